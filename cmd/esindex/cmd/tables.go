package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/index"
	"github.com/webme-commons/esindex/internal/output"
)

func newCreateTableCmd(flags *globalFlags) *cobra.Command {
	var key string
	var columns []string

	cmd := &cobra.Command{
		Use:   "create-table <name>",
		Short: "Create a table",
		Long: `Create a table with a partition key and regular columns.

Columns are given as name:type. Supported types: text, ascii, varchar,
blob, int, bigint, uuid, timeuuid. The type defaults to text.`,
		Example: `  esindex create-table tutu --key id --column value --column esquery`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := tableSchema(args[0], key, columns)
			if err != nil {
				return err
			}
			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				if err := r.db.CreateTable(ctx, ts); err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("table %s ready (%d columns)", ts.Name, len(ts.Columns)+1)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "id", "Partition key column as name[:type]")
	cmd.Flags().StringArrayVarP(&columns, "column", "c", nil, "Regular column as name[:type] (repeatable)")

	return cmd
}

func tableSchema(name, key string, columns []string) (index.TableSchema, error) {
	pk, err := parseColumn(key)
	if err != nil {
		return index.TableSchema{}, err
	}
	ts := index.TableSchema{Name: name, PartitionKey: pk}
	for _, spec := range columns {
		c, err := parseColumn(spec)
		if err != nil {
			return index.TableSchema{}, err
		}
		ts.Columns = append(ts.Columns, c)
	}
	return ts, nil
}

func parseColumn(spec string) (index.Column, error) {
	name, typ, found := strings.Cut(spec, ":")
	if !found {
		typ = string(index.TypeText)
	}
	ct := index.ColumnType(strings.ToLower(typ))
	switch ct {
	case index.TypeText, index.TypeASCII, index.TypeVarchar, index.TypeBlob,
		index.TypeInt, index.TypeBigint, index.TypeUUID, index.TypeTimeUUID:
	default:
		return index.Column{}, errs.ValidationError(fmt.Sprintf("column %q: unknown type %q", name, typ), nil)
	}
	return index.Column{Name: name, Type: ct}, nil
}
