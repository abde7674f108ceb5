package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-payouts/internal/export"
)

func exportCmd() *cobra.Command {
	var (
		flags     filterFlags
		format    string
		output    string
		statement string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export settlement items as csv or xlsx, or one statement as pdf",
		Example: `  payoutctl export --seller SELLER_001 --format xlsx -o april.xlsx
  payoutctl export --statement STL_... -o statement.pdf`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			var data []byte
			if statement != "" {
				data, err = svc.Statement(cmd.Context(), statement)
			} else {
				f, ferr := flags.filter()
				if ferr != nil {
					return ferr
				}
				data, err = svc.Export(cmd.Context(), format, f)
			}
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(data), output)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", export.FormatCSV, "csv or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&statement, "statement", "", "render this settlement as a PDF statement")
	return cmd
}
