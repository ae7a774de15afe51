// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opengovph/dpwh-harvest/internal/config"
	"github.com/opengovph/dpwh-harvest/internal/logging"
	"github.com/opengovph/dpwh-harvest/internal/metrics"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Adaptive harvester for the DPWH transparency API.",
		Long: `harvester sweeps the DPWH transparency API through its CDN anti-bot
layer, rotating TLS fingerprints and proxies and tracking the health of both
so that repeated runs converge on a complete local copy of the dataset.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			metrics.Init()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (when unset, no file is read: built-in defaults and HARVEST_* env vars apply)")

	cmd.AddCommand(newPagesCmd())
	cmd.AddCommand(newProjectsCmd())
	return cmd
}

// Execute is the main entry point. Interrupts cancel the run context; every
// successful record is already durable, so the next run resumes from the
// remaining pending set.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
