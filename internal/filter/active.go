package filter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jobscout-io/scout/internal/crawler"
	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/util"
)

// InactiveRecorder receives listings the active check has proven dead, so
// the status change survives until the next maintenance run.
type InactiveRecorder interface {
	LogInactiveEvent(url, oldStatus, newStatus string) error
}

// ActiveChecker probes listing URLs and prunes the ones that no longer
// resolve to their listing. Pacing between probes comes from the fetcher's
// own request delay.
type ActiveChecker struct {
	fetcher  *crawler.Fetcher
	recorder InactiveRecorder
}

// NewActiveChecker wires a checker to a fetcher. The recorder is optional;
// without one inactive listings are pruned but not recorded.
func NewActiveChecker(fetcher *crawler.Fetcher, recorder InactiveRecorder) *ActiveChecker {
	return &ActiveChecker{fetcher: fetcher, recorder: recorder}
}

// Prune fetches each listing URL and drops the ones that are gone or that
// redirect away from the listing. A transient failure proves nothing, so
// the listing stays. On a fatal fetch error the listings not yet ruled out
// are returned alongside the error.
func (c *ActiveChecker) Prune(ctx context.Context, listings []db.Listing) ([]db.Listing, error) {
	var alive []db.Listing
	for i, l := range listings {
		res, err := c.fetcher.Fetch(ctx, l.URL)
		if err != nil {
			return append(alive, listings[i:]...), fmt.Errorf("active check for %s: %w", l.URL, err)
		}

		if res.Outcome == crawler.OutcomeUnknown {
			log.Debug().
				Str("url", l.URL).
				Str("error", res.ErrorMsg).
				Msg("Active check inconclusive, keeping listing")
			alive = append(alive, l)
			continue
		}

		if res.Outcome == crawler.OutcomeGood && !util.IsSignificantRedirect(l.URL, res.Response.FinalURL) {
			alive = append(alive, l)
			continue
		}

		evt := log.Info().Str("url", l.URL)
		if res.Response != nil {
			evt = evt.Int("status", res.Response.StatusCode).Str("final_url", res.Response.FinalURL)
		}
		evt.Msg("Listing no longer active")

		if c.recorder != nil {
			if recErr := c.recorder.LogInactiveEvent(l.URL, l.Status, db.ListingStatusInactive); recErr != nil {
				log.Warn().
					Err(recErr).
					Str("url", l.URL).
					Msg("Failed to record inactive event")
			}
		}
	}

	return alive, nil
}
