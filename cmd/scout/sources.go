package main

import (
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jobscout-io/scout/internal/config"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := config.LoadSources(filepath.Join(app.ConfigDir, "sources.yaml"))
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Type", "Base URL", "Cache File", "Request Delay", "Batch Delay"})
			for _, name := range sources.Names() {
				sc, _ := sources.Get(name)
				t.AppendRow(table.Row{
					sc.Name,
					sc.Type,
					sc.BaseURL,
					sc.CacheFile,
					sc.Fetch.RequestDelay,
					sc.Fetch.BatchDelay,
				})
			}
			t.Render()
			return nil
		},
	}
}
