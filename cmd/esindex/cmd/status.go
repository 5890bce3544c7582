package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/webme-commons/esindex/internal/output"
)

// indexStatus is one row of the status report.
type indexStatus struct {
	Name         string `json:"name"`
	Table        string `json:"table"`
	Mode         string `json:"mode"`
	BackendIndex string `json:"backend_index"`
	Endpoint     string `json:"endpoint"`
	Built        bool   `json:"built"`
	Documents    uint64 `json:"documents"`
	DeadLetters  int    `json:"dead_letters"`
}

type statusReport struct {
	Tables  []string      `json:"tables"`
	Indexes []indexStatus `json:"indexes"`
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := output.NewFormat(cmd.OutOrStdout(), format)
			if err != nil {
				return err
			}
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				report, err := r.status(ctx)
				if err != nil {
					return err
				}
				if out.IsJSON() {
					return out.JSON(report)
				}
				out.Status("", "tables: "+strings.Join(report.Tables, ", "))
				rows := make([][]string, 0, len(report.Indexes))
				for _, s := range report.Indexes {
					rows = append(rows, []string{
						s.Name, s.Table, s.Mode, s.BackendIndex,
						fmt.Sprint(s.Built), fmt.Sprint(s.Documents), fmt.Sprint(s.DeadLetters),
					})
				}
				out.Table([]string{"INDEX", "TABLE", "MODE", "BACKEND", "BUILT", "DOCS", "DEAD"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func (r *runtime) status(ctx context.Context) (statusReport, error) {
	report := statusReport{Tables: r.db.Tables(), Indexes: []indexStatus{}}
	defs, err := r.db.Indexes(ctx)
	if err != nil {
		return report, err
	}
	for _, def := range defs {
		idx, ok := r.indexes[def.Name]
		if !ok {
			continue
		}
		cfg := idx.Config()
		s := indexStatus{
			Name:         def.Name,
			Table:        def.Table,
			Mode:         cfg.Mode.String(),
			BackendIndex: cfg.IndexName,
			Endpoint:     cfg.Endpoint,
			Built:        def.Built,
		}
		if reader, err := r.reader(idx); err == nil {
			s.Documents, _ = reader.Count(cfg.IndexName)
		}
		if r.deadletters != nil {
			s.DeadLetters, _ = r.deadletters.Count(ctx, cfg.IndexName)
		}
		report.Indexes = append(report.Indexes, s)
	}
	return report, nil
}
