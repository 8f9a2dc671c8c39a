// Package cmd defines the CLI commands for the feedpipe executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/config"
	"github.com/JakeFAU/feedpipe/internal/logging"
	"github.com/JakeFAU/feedpipe/internal/pipeline"
	"github.com/JakeFAU/feedpipe/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the application. Tests inject a fake.
type App interface {
	Acquire(ctx context.Context, req pipeline.Request) pipeline.Batch
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
}

// newApp is the application factory.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedpipe",
		Short: "Acquires article content for feed generation.",
		Long: `feedpipe fetches pages through escalating retrieval tiers (direct HTTP,
headless browser, external rendering proxy), extracts the article fragment and
serves the results over HTTP or prints them as JSON.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and FEEDPIPE_* env only when empty)")

	cmd.AddCommand(newServeCmd(), newFetchCmd())
	return cmd
}

// withApp resolves the application for a command and closes it when the
// command returns, including on error.
func withApp(run func(cmd *cobra.Command, app App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if cerr := appInstance.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
				appInstance.Logger().Warn("close failed", zap.Error(cerr))
			}
		}()
		return run(cmd, appInstance, args)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
