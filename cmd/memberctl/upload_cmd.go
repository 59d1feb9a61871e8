package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/ingestion"
)

const pollInterval = time.Second

func newSubmitCmd() *cobra.Command {
	var (
		userID string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a CSV or XLSX file of membership applications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "failed to read %s", args[0])
			}

			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			upload, err := application.Service.Submit(ctx, ingestion.SubmitRequest{
				FileName: filepath.Base(args[0]),
				UserID:   userID,
				Data:     data,
			})
			if err != nil {
				return err
			}
			if !wait {
				return writeJSON(upload)
			}
			if application.Local != nil {
				application.Local.Wait()
			}
			summary, err := waitForUpload(ctx, application.Service, upload.ID)
			if err != nil {
				return err
			}
			return writeJSON(summary)
		},
	}

	cmd.Flags().StringVar(&userID, "user", os.Getenv("USER"), "Submitting user id")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the upload reaches a terminal status")
	return cmd
}

// waitForUpload polls until a worker elsewhere finishes the upload.
func waitForUpload(ctx context.Context, service *ingestion.Service, id uuid.UUID) (domain.UploadSummary, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		summary, err := service.Status(ctx, id)
		if err != nil {
			return domain.UploadSummary{}, err
		}
		if summary.Status.IsTerminal() {
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest UPLOAD_ID",
		Short: "Run ingestion for an upload in this process",
		Long:  "Processes the pending rows of an upload synchronously. Finished uploads are reported, not reprocessed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUploadID(args)
			if err != nil {
				return err
			}
			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			summary, err := application.Service.Ingest(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(summary)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status UPLOAD_ID",
		Short: "Show the upload summary derived from its rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUploadID(args)
			if err != nil {
				return err
			}
			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			summary, err := application.Service.Status(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(summary)
		},
	}
}

func newRowsCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "rows UPLOAD_ID",
		Short: "List row outcomes of an upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUploadID(args)
			if err != nil {
				return err
			}
			filter := domain.RowFilter{UploadID: id, Limit: limit, Offset: offset}
			if status != "" {
				filter.Status = domain.RowStatusFrom(status)
				if string(filter.Status) != status {
					return errors.Newf("unknown row status %q", status)
				}
			}

			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			rows, err := application.Service.Rows(ctx, filter)
			if err != nil {
				return err
			}
			return writeJSON(rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only rows with this status (pending, success, failed)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile UPLOAD_ID",
		Short: "Recompute stored upload counters from row outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUploadID(args)
			if err != nil {
				return err
			}
			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			summary, err := application.Service.Reconcile(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(summary)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel UPLOAD_ID",
		Short: "Ask an active ingestion to stop between rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUploadID(args)
			if err != nil {
				return err
			}
			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Service.Cancel(ctx, id)
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge UPLOAD_ID",
		Short: "Delete a finished upload, its rows and its source file",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUploadID(args)
			if err != nil {
				return err
			}
			ctx, application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Service.Purge(ctx, id)
		},
	}
}
