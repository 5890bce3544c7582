// Package cmd provides the CLI commands for esindex.
package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/webme-commons/esindex/internal/profiling"
	"github.com/webme-commons/esindex/pkg/version"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	dataDir string
	debug   bool
	profile profiling.Options
	session *profiling.Session
}

// startProfiling begins any profiles requested on the command line.
func (f *globalFlags) startProfiling() error {
	if !f.profile.Enabled() {
		return nil
	}
	s, err := profiling.Start(f.profile)
	if err != nil {
		return err
	}
	f.session = s
	return nil
}

// stopProfiling flushes the profiles. Commands that fail skip the cobra
// post-run hook, so Execute calls it too.
func (f *globalFlags) stopProfiling() error {
	if f.session == nil {
		return nil
	}
	err := f.session.Stop()
	f.session = nil
	return err
}

// Execute runs the root command.
func Execute() error {
	flags := &globalFlags{}
	err := newRootCmd(flags).Execute()
	return errors.Join(err, flags.stopProfiling())
}

// NewRootCmd creates the root command for the esindex CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&globalFlags{})
}

func newRootCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "esindex",
		Short: "Secondary indexes that mirror table writes into a search index",
		Long: `esindex keeps a search index in step with a table store.

Every write to an indexed table is turned into a versioned document
operation, applied either inline with the write (sync) or through a
bounded background queue (async). Existing rows are indexed by a
throttled background build.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("esindex version {{.Version}}\n")
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return flags.startProfiling()
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return flags.stopProfiling()
	}

	cmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Directory for tables, indexes and locks (default ~/.esindex)")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging to ~/.esindex/logs/")
	cmd.PersistentFlags().StringVar(&flags.profile.CPU, "profile-cpu", "", "Write a CPU profile to this file")
	cmd.PersistentFlags().StringVar(&flags.profile.Heap, "profile-mem", "", "Write a heap profile to this file on exit")
	cmd.PersistentFlags().StringVar(&flags.profile.Trace, "profile-trace", "", "Write an execution trace to this file")

	cmd.AddCommand(newCreateTableCmd(flags))
	cmd.AddCommand(newCreateIndexCmd(flags))
	cmd.AddCommand(newWriteCmd(flags))
	cmd.AddCommand(newDeleteCmd(flags))
	cmd.AddCommand(newGetCmd(flags))
	cmd.AddCommand(newBuildCmd(flags))
	cmd.AddCommand(newDropCmd(flags))
	cmd.AddCommand(newSearchCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newFollowCmd(flags))
	cmd.AddCommand(newDeadLetterCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newDoctorCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
