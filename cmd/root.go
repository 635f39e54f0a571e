// Package cmd defines and implements the CLI commands for the mapextract
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tbellam/mapextract/internal/app"
	"github.com/tbellam/mapextract/internal/config"
)

var cfgFile string

// ctxKey namespaces the values stashed on the command context.
type ctxKey string

const (
	appKey ctxKey = "app"
	cfgKey ctxKey = "config"
)

// newRootCmd creates and configures the root command. Services are built
// in PersistentPreRunE so every subcommand sees an initialized container.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapextract",
		Short: "A resumable place scraper for map search results.",
		Long: `mapextract drives a headless browser over map search results,
discovering place links for each keyword and extracting structured place data
concurrently. Runs are resumable: completed keywords are checkpointed and
skipped on restart.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			container, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), cfgKey, cfg)
			ctx = context.WithValue(ctx, appKey, container)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if container, ok := cmd.Context().Value(appKey).(*app.App); ok && container != nil {
				container.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is env-only)")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute runs the CLI with signal-driven cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func resolveApp(ctx context.Context) (*app.App, error) {
	container, ok := ctx.Value(appKey).(*app.App)
	if !ok || container == nil {
		return nil, errors.New("application services not initialized")
	}
	return container, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}
