package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webme-commons/esindex/internal/output"
	"github.com/webme-commons/esindex/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var (
		format string
		short  bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the esindex version, commit and toolchain. JSON output also
lists the versions of the table store and search index libraries, which
decide the on-disk formats.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := output.NewFormat(cmd.OutOrStdout(), format)
			if err != nil {
				return err
			}
			switch {
			case short:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Short())
			case out.IsJSON():
				err = out.JSON(version.GetInfo())
			default:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.String())
			}
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")

	return cmd
}
