package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "scrape <category>",
		Short:     "Run one scrape and print its summary as JSON",
		Long:      "Runs a single scrape for foreclosure, probate, or divorce and writes the run summary to stdout.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"foreclosure", "probate", "divorce"},
		RunE:      runScrapeCommand,
	}
}

func runScrapeCommand(cmd *cobra.Command, args []string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(cmd.Context(), app)

	cat, err := court.ParseCategory(args[0])
	if err != nil {
		return err
	}

	sum, runErr := app.Scrape(cmd.Context(), cat)
	if sum.RunID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	app.Logger().Info("scrape command finished",
		zap.String("category", string(cat)),
		zap.String("outcome", string(sum.Outcome)),
	)
	return nil
}
