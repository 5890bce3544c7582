package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/hostdb"
	"github.com/webme-commons/esindex/internal/output"
)

func newWriteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "write <table> <key> <column=value>...",
		Short: "Write columns of a row",
		Long: `Write columns of a row, merging them into any existing row.

Every index on the table sees the write. A sync index failure rejects the
write; async indexes apply it in the background.`,
		Example: `  esindex write tutu 1 value=abc 'esquery={"a":"b"}'`,
		Args:    cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cols, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			w := hostdb.Write{Table: args[0], Key: args[1], Columns: cols}
			return applyWrite(cmd, flags, w)
		},
	}
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <key>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyWrite(cmd, flags, hostdb.Write{Table: args[0], Key: args[1], Delete: true})
		},
	}
}

func applyWrite(cmd *cobra.Command, flags *globalFlags, w hostdb.Write) error {
	return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
		ts, err := r.db.Apply(ctx, w)
		if err != nil {
			return err
		}
		verb := "wrote"
		if w.Delete {
			verb = "deleted"
		}
		output.New(cmd.OutOrStdout()).Successf("%s %s/%s at %d", verb, w.Table, w.Key, ts)
		return nil
	})
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <key>",
		Short: "Print a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				cols, ok, err := r.db.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					return errs.ValidationError(fmt.Sprintf("%s/%s not found", args[0], args[1]), nil)
				}
				out := output.New(cmd.OutOrStdout())
				names := make([]string, 0, len(cols))
				for name := range cols {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					rows = append(rows, []string{name, cols[name]})
				}
				out.Table([]string{"COLUMN", "VALUE"}, rows)
				return nil
			})
		},
	}
}

func parseAssignments(args []string) (map[string]string, error) {
	cols := make(map[string]string, len(args))
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, errs.ValidationError(fmt.Sprintf("expected column=value, got %q", a), nil)
		}
		cols[name] = value
	}
	return cols, nil
}
