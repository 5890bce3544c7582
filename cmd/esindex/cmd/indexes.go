package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/webme-commons/esindex/internal/index"
	"github.com/webme-commons/esindex/internal/output"
)

// progressInterval is how often a foreground build redraws its progress.
const progressInterval = 250 * time.Millisecond

func newCreateIndexCmd(flags *globalFlags) *cobra.Command {
	var options map[string]string
	var noBuild bool

	cmd := &cobra.Command{
		Use:   "create-index <name>",
		Short: "Create a search index on a table",
		Long: `Create a search index on a table and build it from the existing rows.

Options:
  target          base table (required)
  async-write     "true" applies writes through the background queue
  payload-column  column holding the JSON document (default esquery)
  id-column       document id column (default: the partition key)
  index-name      backend index name (default: the index name)
  endpoint        backend location (default: backend.endpoint)
  class_name      accepted and ignored`,
		Example: `  esindex create-index testindex -o target=tutu
  esindex create-index tutu_async -o target=tutu -o async-write=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				idx, err := r.createIndex(ctx, args[0], options)
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				cfg := idx.Config()
				out.Successf("index %s on %s created (%s, backend index %s)", cfg.Name, cfg.TargetTable, cfg.Mode, cfg.IndexName)
				if noBuild {
					out.Status("", fmt.Sprintf("run 'esindex build %s' to index existing rows", cfg.Name))
					return nil
				}
				return runBuild(ctx, out, idx)
			})
		},
	}

	cmd.Flags().StringToStringVarP(&options, "option", "o", nil, "Index option as key=value (repeatable)")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "Register the index without building it")

	return cmd
}

func newBuildCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build <index>",
		Short: "Index the rows already in the table",
		Long: `Scan the base table and index every row.

An index that is already built is left alone unless --force is given, in
which case the backend index is cleared and rebuilt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				idx, err := r.index(args[0])
				if err != nil {
					return err
				}
				def, _, err := r.db.Index(ctx, args[0])
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				switch {
				case force:
					out.Status("..", fmt.Sprintf("rebuilding %s", args[0]))
					if err := idx.Rebuild(ctx); err != nil {
						return err
					}
					out.Successf("rebuilt %s", args[0])
					return nil
				case def.Built:
					out.Successf("index %s is already built (use --force to rebuild)", args[0])
					return nil
				default:
					return runBuild(ctx, out, idx)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Clear the backend index and rebuild it")

	return cmd
}

// runBuild starts a build and reports its progress until it finishes.
func runBuild(ctx context.Context, out *output.Writer, idx *index.Index) error {
	b, err := idx.StartBuild(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Stop()
			return ctx.Err()
		case <-ticker.C:
			snap := b.Progress().Snapshot()
			enqueued := snap.RowsScanned - snap.RowsSkipped
			out.Progress(snap.RowsApplied+snap.RowsFailed, enqueued, snap.Stage)
		case <-b.Done():
			snap := b.Progress().Snapshot()
			if err := b.Wait(); err != nil {
				out.Errorf("build of %s stopped at %s: %d rows indexed, %d failed",
					snap.Index, snap.Stage, snap.RowsApplied, snap.RowsFailed)
				return err
			}
			out.Successf("built %s: %d rows indexed, %d without payload",
				snap.Index, snap.RowsApplied, snap.RowsSkipped)
			return nil
		}
	}
}

func newDropCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <index>",
		Short: "Drop an index and its backend index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				if err := r.dropIndex(ctx, args[0]); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("dropped %s", args[0])
				return nil
			})
		},
	}
}
