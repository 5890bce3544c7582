package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/webme-commons/esindex/internal/async"
	"github.com/webme-commons/esindex/internal/config"
	"github.com/webme-commons/esindex/internal/deadletter"
	"github.com/webme-commons/esindex/internal/hostdb"
	"github.com/webme-commons/esindex/internal/logging"
	"github.com/webme-commons/esindex/internal/output"
	"github.com/webme-commons/esindex/internal/preflight"
)

func newDoctorCmd(flags *globalFlags) *cobra.Command {
	var (
		format  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this host can run esindex",
		Long: `Check the data directories, disk space and open-file limit, then
open the table store and the dead-letter store and report indexes whose
build was interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := output.NewFormat(cmd.OutOrStdout(), format)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			checker := preflight.New(preflight.Paths{
				DataDir:  filepath.Dir(cfg.Storage.Path),
				Endpoint: cfg.Backend.Endpoint,
				LockDir:  cfg.Build.LockDir,
			}, storageCheck(cfg), deadLetterCheck(cfg))

			results := checker.RunAll(cmd.Context())
			if out.IsJSON() {
				if err := out.JSON(map[string]any{
					"status": preflight.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				preflight.PrintResults(cmd.OutOrStdout(), results, verbose)
			}
			if preflight.HasCriticalFailures(results) {
				return fmt.Errorf("system check failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for passing checks")

	return cmd
}

// storageCheck opens the table store and looks for interrupted builds.
func storageCheck(cfg *config.Config) preflight.Check {
	return func(ctx context.Context) preflight.CheckResult {
		result := preflight.CheckResult{Name: "storage", Required: true}
		db, err := hostdb.Open(ctx, cfg.Storage.Path, logging.Discard())
		if err != nil {
			result.Status = preflight.StatusFail
			result.Message = err.Error()
			return result
		}
		defer func() { _ = db.Close() }()

		defs, err := db.Indexes(ctx)
		if err != nil {
			result.Status = preflight.StatusFail
			result.Message = err.Error()
			return result
		}
		var pending []string
		for _, def := range defs {
			if !def.Built || async.HasIncompleteBuild(cfg.Build.LockDir, def.Name) {
				pending = append(pending, def.Name)
			}
		}
		result.Message = fmt.Sprintf("%d tables, %d indexes", len(db.Tables()), len(defs))
		result.Status = preflight.StatusPass
		if len(pending) > 0 {
			result.Status = preflight.StatusWarn
			result.Details = "not built: " + strings.Join(pending, ", ") + " (run esindex build)"
		}
		return result
	}
}

// deadLetterCheck warns when writes are waiting to be replayed.
func deadLetterCheck(cfg *config.Config) preflight.Check {
	return func(ctx context.Context) preflight.CheckResult {
		result := preflight.CheckResult{Name: "dead_letters"}
		if cfg.DeadLetter.Path == "" {
			result.Status = preflight.StatusPass
			result.Message = "disabled"
			return result
		}
		store, err := deadletter.Open(ctx, cfg.DeadLetter.Path, logging.Discard())
		if err != nil {
			result.Status = preflight.StatusFail
			result.Message = err.Error()
			return result
		}
		defer func() { _ = store.Close() }()

		n, err := store.Count(ctx, "")
		if err != nil {
			result.Status = preflight.StatusFail
			result.Message = err.Error()
			return result
		}
		result.Message = fmt.Sprintf("%d dropped writes", n)
		result.Status = preflight.StatusPass
		if n > 0 {
			result.Status = preflight.StatusWarn
			result.Details = "inspect with esindex deadletter list, retry with esindex deadletter replay"
		}
		return result
	}
}
