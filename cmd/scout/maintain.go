package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/events"
)

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Apply recorded status changes to the archive",
		Long: `Maintain replays the inactive-listing event log against the archive,
marking listings inactive in one transaction and archiving the processed
log file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := db.InitFromEnvWithRetry(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to connect to archive: %w", err)
			}
			defer archive.Close()

			applied, err := events.ProcessInactiveEvents(cmd.Context(), archive, app.LogsDir)
			if err != nil {
				return err
			}
			log.Info().Int("events", applied).Msg("Maintenance complete")
			return nil
		},
	}
}
