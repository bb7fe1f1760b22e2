// Package cmd defines and implements the CLI commands for the sitemirror executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/api"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// backgroundAnnotation marks commands that need the tick timer.
const backgroundAnnotation = "background"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Controller() api.Controller
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config, opts server.Options) (App, error) {
	return server.Build(ctx, cfg, opts)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitemirror",
		Short: "Exports a live site to static files and deploys them to GitHub Pages.",
		Long: `sitemirror crawls a dynamic site into a static export and pushes the
changed files to a GitHub branch. Work advances in small ticks so a job
survives restarts and pauses on GitHub rate limits.`,
		SilenceUsage: true,

		// Build the application once the config is known and hand it to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts := server.Options{Background: cmd.Annotations[backgroundAnnotation] == "true"}
			appInstance, err := newApp(cmd.Context(), &cfg, opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if cmd.Annotations[backgroundAnnotation] == "true" {
					return // Run already closed it.
				}
				if err := appInstance.Close(cmd.Context()); err != nil {
					appInstance.Logger().Warn("close failed", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus SITEMIRROR_* environment when empty)")

	cmd.AddCommand(
		newServeCmd(),
		newExportCmd(),
		newDeployCmd(),
		newTickCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newStatusCmd(),
		newTestRemoteCmd(),
		newArchivesCmd(),
		newRestoreCmd(),
	)
	return cmd
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
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sitemirror: %v\n", err)
		os.Exit(1)
	}
}
