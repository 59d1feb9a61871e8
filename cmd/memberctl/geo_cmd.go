package main

import (
	"github.com/spf13/cobra"
)

func newRollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup",
		Short: "Count accepted members per ward, municipality, district and province",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			rollup, err := application.Service.Rollup(ctx)
			if err != nil {
				return err
			}
			return writeJSON(rollup)
		},
	}
}

func newRepairGeoCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "repair-geo",
		Short: "Re-resolve records accepted with partial geography",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			result, err := application.Service.RepairGeography(ctx, limit)
			if err != nil {
				return err
			}
			return writeJSON(result)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum number of records to examine")
	return cmd
}
