// Package cmd defines the CLI commands for the meerkat executable.
//
// serve runs the HTTP API, the scheduler and the worker pool in one process.
// scan runs the pipeline once in the foreground. target and due manage and
// inspect monitored pages directly against the configured record store.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/app"
	"github.com/JakeFAU/meerkat/internal/config"
	"github.com/JakeFAU/meerkat/internal/logging"
	"github.com/JakeFAU/meerkat/internal/monitor"
)

// cfgKeyType is the key for storing the loaded Config in the context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// buildApp and openStore are variables so tests can swap the factories.
var (
	buildApp  = app.Build
	openStore = app.OpenStore
	newLogger = func(cfg config.Config) (*zap.Logger, error) {
		return logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "meerkat",
		Short: "Watches competitor pages for commercially relevant changes.",
		Long: `meerkat monitors competitor web pages in three escalating stages: a cheap
fingerprint of the static page, a full-page screenshot only when the fingerprint
moved, and a vision model comparison against the last known report. Notable
changes are delivered as alerts.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one starts from validated config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newTargetCmd())
	cmd.AddCommand(newDueCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withStore opens the record store, runs fn and closes the store.
func withStore(cmd *cobra.Command, fn func(monitor.Store) error) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	st, err := openStore(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("close store failed", zap.Error(cerr))
		}
	}()
	return fn(st)
}
