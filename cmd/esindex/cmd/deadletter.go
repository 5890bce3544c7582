package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/output"
)

func newDeadLetterCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay async writes that were dropped",
		Long: `Async writes that exhaust their retries, or that the backend rejects,
are kept in the dead-letter store (deadletter.path).`,
	}

	cmd.AddCommand(newDeadLetterListCmd(flags))
	cmd.AddCommand(newDeadLetterReplayCmd(flags))
	cmd.AddCommand(newDeadLetterPurgeCmd(flags))

	return cmd
}

// backendIndex maps a registered index name to its backend index name.
// Unknown names are used as given.
func (r *runtime) backendIndex(name string) string {
	if idx, ok := r.indexes[name]; ok {
		return idx.Config().IndexName
	}
	return name
}

func (r *runtime) requireDeadLetters() error {
	if r.deadletters == nil {
		return errs.ConfigError("the dead-letter store is disabled", nil).
			WithSuggestion("set deadletter.path in the configuration")
	}
	return nil
}

func newDeadLetterListCmd(flags *globalFlags) *cobra.Command {
	var limit int
	var format string

	cmd := &cobra.Command{
		Use:   "list [index]",
		Short: "List dropped writes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := output.NewFormat(cmd.OutOrStdout(), format)
			if err != nil {
				return err
			}
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				if err := r.requireDeadLetters(); err != nil {
					return err
				}
				name := ""
				if len(args) == 1 {
					name = r.backendIndex(args[0])
				}
				records, err := r.deadletters.List(ctx, name, limit)
				if err != nil {
					return err
				}
				if out.IsJSON() {
					return out.JSON(records)
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					rows = append(rows, []string{
						fmt.Sprint(rec.ID), rec.Index, rec.DocID, rec.Op, fmt.Sprint(rec.Version),
						fmt.Sprint(rec.Attempts), rec.ErrorCode, rec.DroppedAt.Format("2006-01-02T15:04:05"),
					})
				}
				out.Table([]string{"ID", "INDEX", "DOC", "OP", "VERSION", "ATTEMPTS", "CODE", "DROPPED"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of records (0 for all)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func newDeadLetterReplayCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <index>",
		Short: "Send dropped writes through the index queue again",
		Long: `Send the dropped writes of an index through its queue again, oldest
first. Each write keeps its original version, so a write that was since
superseded is ignored by the backend. Writes that fail again are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				if err := r.requireDeadLetters(); err != nil {
					return err
				}
				idx, err := r.index(args[0])
				if err != nil {
					return err
				}
				n, err := r.deadletters.Replay(ctx, idx.Config().IndexName, idx.Enqueue)
				if err != nil {
					return err
				}
				if err := idx.Flush(ctx); err != nil {
					return err
				}
				left, err := r.deadletters.Count(ctx, idx.Config().IndexName)
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				out.Successf("replayed %d writes to %s", n, args[0])
				if left > 0 {
					out.Warningf("%d writes were dropped again", left)
				}
				return nil
			})
		},
	}
}

func newDeadLetterPurgeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [index]",
		Short: "Delete dropped writes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				if err := r.requireDeadLetters(); err != nil {
					return err
				}
				name := ""
				if len(args) == 1 {
					name = r.backendIndex(args[0])
				}
				n, err := r.deadletters.Purge(ctx, name)
				if err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("purged %d records", n)
				return nil
			})
		},
	}
}
