// Command feed-loader publishes STIX-2 indicators from bundle files onto the
// Threat Bus ingress subject.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fever-threatbus/internal/bus"
	"fever-threatbus/internal/logging"
	"fever-threatbus/internal/threat"
)

func main() {
	var (
		address string
		subject string
		files   []string
		dryRun  bool
		timeout time.Duration
	)

	rootCmd := &cobra.Command{
		Use:          "feed-loader",
		Short:        "Load STIX-2 indicator bundles into the Threat Bus",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closer, err := logging.New(logging.DefaultConfig())
			if err != nil {
				return err
			}
			defer closer.Close()

			var store threat.IndicatorStore
			memory := threat.NewMemoryStore()
			if dryRun {
				store = memory
			} else {
				pub, err := bus.NewPublisher(address, subject, logger)
				if err != nil {
					return err
				}
				defer pub.Close()
				store = pub
			}

			controller := threat.NewETLController(store, logger)
			for _, f := range files {
				controller.Register(threat.NewFileFetcher(f, logger))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := controller.Run(ctx); err != nil {
				return err
			}
			if dryRun {
				for _, ind := range memory.All() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ind.ID, ind.Pattern)
				}
			}
			return nil
		},
	}
	rootCmd.Flags().StringVar(&address, "threatbus", "nats://127.0.0.1:4222", "Threat Bus address")
	rootCmd.Flags().StringVar(&subject, "subject", "threatbus.ingress", "ingress subject")
	rootCmd.Flags().StringSliceVarP(&files, "file", "f", nil, "STIX-2 bundle file (repeatable)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and print indicators without publishing")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall load timeout")
	_ = rootCmd.MarkFlagRequired("file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
