package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/memberships/internal/app"
	"github.com/rpattn/memberships/internal/config"
	"github.com/rpattn/memberships/internal/logging"
)

var configPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "memberctl",
		Short:         "Operate membership application uploads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", ".", "Directory containing config.yaml")

	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRowsCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newErrorsCmd())
	cmd.AddCommand(newRollupCmd())
	cmd.AddCommand(newRepairGeoCmd())
	return cmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// setup loads configuration and wires the service. Logs go to stderr so stdout
// stays machine readable.
func setup(ctx context.Context) (context.Context, *app.App, error) {
	logger := logging.New("warn", "text")
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return ctx, nil, err
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil && level > logrus.InfoLevel {
		logger.SetLevel(level)
	}
	ctx = logging.WithLogger(ctx, logrus.NewEntry(logger))

	application, err := app.Build(ctx, ctx, cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, application, nil
}

func parseUploadID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, errors.New("expected exactly one upload id")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "invalid upload id %q", args[0])
	}
	return id, nil
}
