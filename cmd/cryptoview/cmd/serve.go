package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"cryptoview/internal/app"
	"cryptoview/internal/metrics"
)

var (
	feedCmd = &cobra.Command{
		Use:   "feed",
		Short: "Backfill, then stream live klines into the raw store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve("cryptoview-feed", metrics.RoleFeed, (*app.App).RunFeed)
		},
	}

	signalCmd = &cobra.Command{
		Use:   "signal",
		Short: "Recompute the derived store whenever the raw store changes",
		Long: `signal watches the raw store and rewrites the derived indicator series
after every change. Bursts of changes coalesce into at most one pending run.

Besides /metrics and /healthz the metrics server exposes GET /status and
POST /recompute.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve("cryptoview-signal", metrics.RoleSignal, (*app.App).RunSignal)
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the feed and the signal service in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve("cryptoview", metrics.RoleAll, (*app.App).Run)
		},
	}
)

func init() {
	rootCmd.AddCommand(feedCmd, signalCmd, runCmd)
}

func serve(service, role string, run func(*app.App, context.Context) error) error {
	a, cfg, log, err := setup(service, role)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	log.Info("starting",
		slog.String("symbol", cfg.Symbol),
		slog.String("interval", cfg.Interval.String()),
		slog.String("store", cfg.StoreBackend),
		slog.String("notifier", cfg.Notifier),
	)
	a.Serve(ctx)
	if err := run(a, ctx); err != nil {
		log.Error("fatal", slog.Any("err", err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
