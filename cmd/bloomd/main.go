// Command bloomd is a standalone pattern matcher that keeps received
// patterns in a Bloom filter. It serves the matcher protocol on a unix
// socket and is useful for testing the bridge without FEVER.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fever-threatbus/internal/logging"
	"fever-threatbus/internal/matcher"
)

func main() {
	var (
		socket   string
		capacity uint
		fpRate   float64
		level    string
	)

	rootCmd := &cobra.Command{
		Use:          "bloomd",
		Short:        "Bloom filter pattern matcher on a unix socket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := logging.DefaultConfig()
			cfg.Level = level
			logger, closer, err := logging.New(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()
			return serve(cmd.Context(), logger, socket, capacity, fpRate)
		},
	}
	rootCmd.Flags().StringVar(&socket, "socket", "/tmp/fever-mgmt.sock", "unix socket path")
	rootCmd.Flags().UintVar(&capacity, "capacity", 1_000_000, "expected number of patterns")
	rootCmd.Flags().Float64Var(&fpRate, "fp-rate", 0.0001, "target false positive rate")
	rootCmd.Flags().StringVar(&level, "log-level", "info", "log level: debug, info, warn, error")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, logger *slog.Logger, socket string, capacity uint, fpRate float64) error {
	if capacity == 0 || fpRate <= 0 || fpRate >= 1 {
		return fmt.Errorf("invalid filter parameters: capacity %d, fp-rate %g", capacity, fpRate)
	}
	ln, err := matcher.Listen(socket)
	if err != nil {
		return err
	}
	store := matcher.NewBloomStore(capacity, fpRate)
	srv := matcher.NewServer(store, logger)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	logger.Info("bloomd listening", "socket", socket, "capacity", capacity, "fp_rate", fpRate)
	if err := srv.Serve(ln); err != nil {
		return err
	}
	logger.Info("bloomd stopped", "patterns", store.Len())
	return nil
}
