// Command fever-threatbus bridges indicators from a Threat Bus into the
// FEVER pattern matcher.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fever-threatbus/internal/bridge"
	"fever-threatbus/internal/common"
	"fever-threatbus/internal/config"
	"fever-threatbus/internal/logging"
	"fever-threatbus/internal/server"
	"fever-threatbus/internal/supervisor"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fever-threatbus",
		Short:         "Forward Threat Bus indicators to the FEVER matcher",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: ./config.yaml or ./config.yml)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return &common.ConfigurationError{Key: "logging", Err: err}
	}
	defer closer.Close()

	logger.Info("starting fever-threatbus",
		"version", version,
		"threatbus", cfg.ThreatBus,
		"socket", cfg.Socket,
		"snapshot", cfg.Snapshot,
		"object_paths", cfg.AllowList().Paths())

	ctrl := bridge.New(cfg.BridgeConfig(),
		bridge.DialBus(cfg.BusConfig(), logger),
		bridge.DialMatcher(cfg.MatcherConfig(), logger),
		logger)

	tree := supervisor.New(logger, supervisor.DefaultTreeConfig())
	tree.Add(ctrl)
	if cfg.MetricsAddr != "" {
		tree.Add(server.New(cfg.MetricsAddr, ctrl, logger))
	}

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", "count", len(report))
	}
	if ctx.Err() != nil {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}
