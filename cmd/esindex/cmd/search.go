package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/webme-commons/esindex/internal/output"
)

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var limit int
	var format string

	cmd := &cobra.Command{
		Use:   "search <index> [query]",
		Short: "Query a search index",
		Long: `Query a search index with the bleve query string syntax.

With no query every document is returned, up to --limit.`,
		Example: `  esindex search testindex 'a:b'
  esindex search testindex --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := output.NewFormat(cmd.OutOrStdout(), format)
			if err != nil {
				return err
			}
			query := strings.Join(args[1:], " ")
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				idx, err := r.index(args[0])
				if err != nil {
					return err
				}
				reader, err := r.reader(idx)
				if err != nil {
					return err
				}
				hits, err := reader.Search(ctx, idx.Config().IndexName, query, limit)
				if err != nil {
					return err
				}
				if out.IsJSON() {
					return out.JSON(hits)
				}
				rows := make([][]string, 0, len(hits))
				for _, h := range hits {
					rows = append(rows, []string{h.ID, fmt.Sprintf("%.3f", h.Score), fmt.Sprint(h.Version), string(h.Source)})
				}
				out.Table([]string{"ID", "SCORE", "VERSION", "SOURCE"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")

	return cmd
}
