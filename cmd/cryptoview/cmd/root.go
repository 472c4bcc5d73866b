package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cryptoview/config"
	"cryptoview/internal/app"
	"cryptoview/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cryptoview",
	Short: "Kline feed and Ichimoku/EMA signal pipeline for one market",
	Long: `cryptoview keeps a local kline series for one symbol and interval in
sync with the exchange, and recomputes an Ichimoku + EMA indicator view of it
every time it changes.

The feed and the signal service may run in one process ("run") or in two
("feed" and "signal") sharing the data directory or Redis.

Configuration comes from defaults, the YAML file named by --config or
CRYPTOVIEW_CONFIG, and environment variables, in that order.`,
	SilenceUsage: true,
}

var (
	configPath string
	logLevel   string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides CRYPTOVIEW_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides LOG_LEVEL)")
}

// setup loads the configuration, installs the logger and builds the App.
func setup(service, role string) (*app.App, *config.Config, *slog.Logger, error) {
	if configPath != "" {
		os.Setenv("CRYPTOVIEW_CONFIG", configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.Init(service, level)

	a, err := app.New(cfg, role, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init: %w", err)
	}
	return a, cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
