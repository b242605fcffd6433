package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jobscout-io/scout/internal/config"
	"github.com/jobscout-io/scout/internal/crawler"
	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/events"
	"github.com/jobscout-io/scout/internal/filter"
)

func newFilterCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Filter archived listings and export the survivors",
		Long: `Filter pushes the configured SQL conditions into the archive query,
runs the in-memory stages over the matching listings, and writes the
survivors as CSV.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFilter(cmd.Context(), outPath)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "CSV output path (default stdout)")
	return cmd
}

func runFilter(ctx context.Context, outPath string) error {
	filters, err := config.LoadFilters(filepath.Join(app.ConfigDir, "filters.yaml"))
	if err != nil {
		return err
	}

	var checker *filter.ActiveChecker
	if filters.ActiveCheck.Enabled {
		fetchConfig := crawler.DefaultConfig()
		fetchConfig.RequestDelay = 500 * time.Millisecond
		fetcher, ferr := crawler.NewFetcher(fetchConfig)
		if ferr != nil {
			return ferr
		}
		checker = filter.NewActiveChecker(fetcher, events.NewProducer(app.LogsDir))
	}

	pipe, err := filter.New(filters, checker)
	if err != nil {
		return err
	}

	archive, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to archive: %w", err)
	}
	defer archive.Close()

	where, args := pipe.BuildWhereClause()
	listings, err := archive.QueryListings(ctx, where, args...)
	if err != nil {
		return err
	}

	result, err := pipe.Apply(ctx, listings)
	if err != nil {
		return err
	}

	out := os.Stdout
	if outPath != "" {
		f, cerr := os.Create(outPath)
		if cerr != nil {
			return fmt.Errorf("failed to create %s: %w", outPath, cerr)
		}
		defer f.Close()
		out = f

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Stage", "Remaining"})
		for _, stage := range result.Stages {
			t.AppendRow(table.Row{stage.Name, stage.Remaining})
		}
		t.Render()
	}

	if err := filter.WriteCSV(out, result.Listings); err != nil {
		return err
	}
	if outPath != "" {
		log.Info().Str("path", outPath).Int("listings", len(result.Listings)).Msg("Filtered listings written")
	}
	return nil
}
