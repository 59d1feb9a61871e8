package main

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/rpattn/memberships/internal/export"
)

func newErrorsCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "errors UPLOAD_ID",
		Short: "Export the failed rows of an upload for correction",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUploadID(args)
			if err != nil {
				return err
			}
			parsed, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			var w io.Writer = os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return errors.Wrapf(err, "failed to create %s", output)
				}
				defer f.Close()
				w = f
			}

			report, err := application.Reports.WriteFailedRows(ctx, id, parsed, w)
			if err != nil {
				return err
			}
			if output != "" {
				return writeJSON(report)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "csv", "Report format (csv or xlsx)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
