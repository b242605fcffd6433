package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jobscout-io/scout/internal/cache"
	"github.com/jobscout-io/scout/internal/config"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache progress for every source",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := config.LoadSources(filepath.Join(app.ConfigDir, "sources.yaml"))
			if err != nil {
				return err
			}

			// Flushed caches only hold success, pending or failed;
			// transient failures are demoted to pending on the way out.
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Source", "Cached", "Success", "Pending", "Failed"})

			totals := map[cache.Status]int{}
			cached := 0
			for _, name := range sources.Names() {
				sc, _ := sources.Get(name)
				store, err := cache.NewStore(filepath.Join(app.CacheDir, sc.CacheFile))
				if err != nil {
					return err
				}
				if err := store.Load(nil); err != nil {
					return fmt.Errorf("source %s: %w", name, err)
				}
				stats := store.Stats()
				t.AppendRow(table.Row{
					name,
					store.Len(),
					stats[cache.StatusSuccess],
					stats[cache.StatusPending],
					stats[cache.StatusFailed],
				})
				for status, count := range stats {
					totals[status] += count
				}
				cached += store.Len()
			}

			t.AppendFooter(table.Row{
				"Total",
				cached,
				totals[cache.StatusSuccess],
				totals[cache.StatusPending],
				totals[cache.StatusFailed],
			})
			t.Render()
			return nil
		},
	}
}
