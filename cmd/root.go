// Package cmd defines the CLI commands for the court records scraper.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/config"
	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/server"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// App is the surface commands use. Tests swap in a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Scrape(ctx context.Context, cat court.Category) (court.Summary, error)
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "courtscraper",
		Short: "Scrapes county court case records into a searchable store.",
		Long: `courtscraper pulls foreclosure, probate, and divorce filings from the
county case search site, solving its CAPTCHA through a token service, and
stores each case so it can be listed and fetched over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")

	cmd.AddCommand(newServeCmd(), newScrapeCmd(), newMigrateCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp is shared by the one-shot commands; serve closes inside Run.
func closeApp(ctx context.Context, app App) {
	if err := app.Close(ctx); err != nil {
		app.Logger().Warn("close failed", zap.Error(err))
	}
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
