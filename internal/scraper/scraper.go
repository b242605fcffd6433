package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jobscout-io/scout/internal/cache"
	"github.com/jobscout-io/scout/internal/crawler"
	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/observability"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 10

// Options control one crawl run.
type Options struct {
	// BatchSize is the number of directory pages scanned per round for
	// two-phase sources and the number of records requested per round for
	// API sources.
	BatchSize int
	// RetryFailures includes previously failed URLs in the eligible set.
	RetryFailures bool
}

// Orchestrator drives a Source's batch loop: it reconciles the cache
// against the archive, asks the source for rounds of work, archives new
// listings, flushes the cache, and stops once a round discovers nothing
// and no pending URLs remain.
type Orchestrator struct {
	source     Source
	store      *cache.Store
	archive    Archiver
	batchDelay time.Duration
}

// NewOrchestrator wires a source to its cache store and archive.
func NewOrchestrator(source Source, store *cache.Store, archive Archiver, batchDelay time.Duration) *Orchestrator {
	return &Orchestrator{
		source:     source,
		store:      store,
		archive:    archive,
		batchDelay: batchDelay,
	}
}

// Run executes the batch loop until completion, a fatal error, or context
// cancellation. The returned summary is always populated, including on
// error, so callers can report partial progress. Whatever the exit path,
// cache mutations made so far are flushed before Run returns.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (summary *Summary, err error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	start := time.Now()
	summary = &Summary{
		Source: o.source.Name(),
		RunID:  uuid.New().String(),
	}

	ctx, runSpan := observability.StartRunSpan(ctx, o.source.Name(), summary.RunID)
	defer runSpan.End()

	span := sentry.StartSpan(ctx, "scraper.run")
	span.SetTag("scraper.source", o.source.Name())
	defer span.Finish()

	if rerr := o.reconcile(ctx); rerr != nil {
		return summary, rerr
	}

	log.Info().
		Str("run_id", summary.RunID).
		Str("source", o.source.Name()).
		Int("batch_size", opts.BatchSize).
		Bool("retry_failures", opts.RetryFailures).
		Int("cached_urls", o.store.Len()).
		Msg("Starting crawl run")

	defer func() {
		if ferr := o.store.Flush(); ferr != nil {
			log.Error().Err(ferr).Str("source", o.source.Name()).Msg("Failed to flush cache on exit")
			sentry.CaptureException(ferr)
			if err == nil {
				err = ferr
			}
		}
		if summary.State != StateComplete {
			summary.State = o.source.State()
		}
		summary.Stats = o.store.Stats()
		summary.Duration = time.Since(start)
	}()

	for {
		roundStart := time.Now()
		discovered, listings, fetchErr := o.source.FetchNextBatch(ctx, opts.BatchSize, opts.RetryFailures)
		summary.Rounds++
		summary.Discovered += len(discovered)

		// Archive before judging fetchErr: listings fetched ahead of a
		// fatal failure still count as progress.
		inserted := 0
		if len(listings) > 0 {
			var aerr error
			inserted, aerr = o.archiveListings(ctx, listings)
			summary.Archived += inserted
			if aerr != nil {
				if fetchErr == nil {
					return summary, aerr
				}
				log.Error().Err(aerr).Str("source", o.source.Name()).Msg("Failed to archive listings while handling fetch failure")
			}
		}

		roundStatus := "ok"
		if fetchErr != nil {
			roundStatus = "error"
		}
		observability.RecordBatch(ctx, observability.BatchMetrics{
			Source:     o.source.Name(),
			Status:     roundStatus,
			Discovered: len(discovered),
			Archived:   inserted,
			Duration:   time.Since(roundStart),
		})

		if fetchErr != nil {
			if errors.Is(fetchErr, crawler.ErrCircuitOpen) {
				log.Error().
					Err(fetchErr).
					Str("run_id", summary.RunID).
					Str("source", o.source.Name()).
					Msg("Circuit breaker tripped, aborting run")
				sentry.CaptureException(fetchErr)
				return summary, fmt.Errorf("source %s: %w", o.source.Name(), fetchErr)
			}
			return summary, fetchErr
		}

		if ferr := o.store.Flush(); ferr != nil {
			return summary, fmt.Errorf("failed to flush cache: %w", ferr)
		}

		pending := len(o.store.FilterByStatus(cache.StatusPending))
		log.Info().
			Str("run_id", summary.RunID).
			Str("source", o.source.Name()).
			Str("state", string(o.source.State())).
			Int("round", summary.Rounds).
			Int("discovered", len(discovered)).
			Int("to_archive", len(listings)).
			Int("pending", pending).
			Msg("Batch round finished")

		if len(discovered) == 0 && pending == 0 {
			summary.State = StateComplete
			break
		}

		select {
		case <-time.After(o.batchDelay):
		case <-ctx.Done():
			return summary, ctx.Err()
		}
	}

	log.Info().
		Str("run_id", summary.RunID).
		Str("source", o.source.Name()).
		Int("rounds", summary.Rounds).
		Int("discovered", summary.Discovered).
		Int("archived", summary.Archived).
		Dur("duration", time.Since(start)).
		Msg("Crawl run complete")

	return summary, nil
}

// reconcile loads the cache file and merges the archive-derived view into
// it. A failure to read the archive is not fatal: the run proceeds on
// cache state alone, at worst re-fetching listings the archive already
// holds.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	archived, err := o.archive.ArchivedURLs(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Str("source", o.source.Name()).
			Msg("Could not read archived listings, reconciling cache without them")
		archived = nil
	}

	if err := o.store.Load(archived); err != nil {
		return fmt.Errorf("failed to load cache for %s: %w", o.source.Name(), err)
	}

	log.Debug().
		Str("source", o.source.Name()).
		Int("archived", len(archived)).
		Int("cached", o.store.Len()).
		Msg("Cache reconciled against archive")
	return nil
}

// archiveListings appends a round's listings. Cancellation does not skip
// the append; a short detached context keeps fetched listings from being
// lost on interrupt.
func (o *Orchestrator) archiveListings(ctx context.Context, listings []db.Listing) (int, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	inserted, err := o.archive.AppendListings(ctx, listings)
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("failed to archive %d listings: %w", len(listings), err)
	}
	return inserted, nil
}
