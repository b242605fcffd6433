package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jobscout-io/scout/internal/cache"
	"github.com/jobscout-io/scout/internal/config"
	"github.com/jobscout-io/scout/internal/crawler"
	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/observability"
	"github.com/jobscout-io/scout/internal/util"
)

// APIScraper crawls a job board that serves complete records from a
// paginated API. Each round requests one page at offset round * batchSize;
// there is no separate discovery phase.
type APIScraper struct {
	config  config.SourceConfig
	schema  *config.Schema
	store   *cache.Store
	fetcher *crawler.Fetcher
	round   int
}

// NewAPIScraper creates a single-phase scraper for an api source. A nil
// schema falls back to the built-in canonical fields.
func NewAPIScraper(cfg config.SourceConfig, schema *config.Schema, store *cache.Store, fetcher *crawler.Fetcher) *APIScraper {
	if schema == nil {
		schema = config.DefaultSchema()
	}
	return &APIScraper{
		config:  cfg,
		schema:  schema,
		store:   store,
		fetcher: fetcher,
	}
}

// Name returns the configured source name.
func (a *APIScraper) Name() string {
	return a.config.Name
}

// State is always fetching: every record arrives complete, so there is no
// discovery phase to finish.
func (a *APIScraper) State() State {
	return StateFetching
}

// Round returns the number of pages requested so far this run.
func (a *APIScraper) Round() int {
	return a.round
}

// FetchNextBatch requests one API page and archives the eligible records
// from it. The offset advances whatever the round produces: a page is
// requested at most once per run, even when it fails. A failed page is
// reported as an empty round, with any URLs extracted before the failure
// marked failed.
func (a *APIScraper) FetchNextBatch(ctx context.Context, batchSize int, retryFailures bool) ([]string, []db.Listing, error) {
	offset := a.round * batchSize
	a.round++

	endpoint := strings.ReplaceAll(a.config.API.Endpoint, "{offset}", strconv.Itoa(offset))
	endpoint = strings.ReplaceAll(endpoint, "{limit}", strconv.Itoa(batchSize))

	fetchStart := time.Now()
	result, err := a.fetcher.Fetch(ctx, endpoint)
	if err != nil {
		return nil, nil, err
	}
	observability.RecordFetch(ctx, observability.FetchMetrics{
		Source:   a.config.Name,
		Phase:    "api",
		Outcome:  string(result.Outcome),
		Duration: time.Since(fetchStart),
	})
	if result.Outcome != crawler.OutcomeGood {
		log.Warn().
			Str("source", a.config.Name).
			Int("offset", offset).
			Str("error", describeFailure(endpoint, result)).
			Msg("API batch fetch failed, skipping offset")
		return nil, nil, nil
	}

	urls, listings, perr := a.parseRecords(result.Response.Body)
	if perr != nil {
		a.failExtracted(urls, perr)
		log.Warn().
			Err(perr).
			Str("source", a.config.Name).
			Int("offset", offset).
			Int("extracted", len(urls)).
			Msg("API batch parse failed, skipping offset")
		return nil, nil, nil
	}

	if len(urls) == 0 {
		log.Debug().
			Str("source", a.config.Name).
			Int("offset", offset).
			Msg("Empty API page")
		return nil, nil, nil
	}

	eligible := make(map[string]bool)
	for _, u := range a.store.PickURLsToFetch(urls, retryFailures) {
		eligible[u] = true
	}

	updates := make(map[string]cache.Entry)
	var toArchive []db.Listing
	for _, listing := range listings {
		if !eligible[listing.URL] {
			continue
		}
		if missing := missingRequiredFields(&listing, a.schema); len(missing) > 0 {
			log.Warn().
				Str("source", a.config.Name).
				Str("url", listing.URL).
				Strs("missing", missing).
				Msg("Record is missing required fields")
			updates[listing.URL] = a.store.NextAttempt(listing.URL, cache.StatusFailed, "no value found for required fields: "+strings.Join(missing, ", "))
			continue
		}
		toArchive = append(toArchive, listing)
		updates[listing.URL] = a.store.NextAttempt(listing.URL, cache.StatusSuccess, "")
	}
	a.store.Update(updates)

	log.Debug().
		Str("source", a.config.Name).
		Int("offset", offset).
		Int("records", len(urls)).
		Int("to_archive", len(toArchive)).
		Msg("API batch finished")

	return urls, toArchive, nil
}

// parseRecords decodes one API page into listing URLs and records. The
// error return carries any URLs extracted before the failure so the caller
// can mark them failed.
func (a *APIScraper) parseRecords(body []byte) ([]string, []db.Listing, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("failed to decode api response: %w", err)
	}

	node, err := valueAtPath(payload, a.config.API.RecordsPath)
	if err != nil {
		return nil, nil, err
	}
	records, ok := node.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("records at %q are %T, expected a list", a.config.API.RecordsPath, node)
	}

	var urls []string
	var listings []db.Listing
	for i, raw := range records {
		record, ok := raw.(map[string]any)
		if !ok {
			return urls, nil, fmt.Errorf("record %d is %T, expected an object", i, raw)
		}

		listingURL := util.NormaliseURL(stringAtPath(record, a.config.API.URLField))
		if listingURL == "" {
			log.Debug().
				Str("source", a.config.Name).
				Int("record", i).
				Msg("Record has no usable url, skipping")
			continue
		}

		urls = append(urls, listingURL)
		listings = append(listings, a.buildListing(listingURL, record))
	}

	return urls, listings, nil
}

// buildListing maps an API record onto the canonical listing shape using
// the configured field paths.
func (a *APIScraper) buildListing(listingURL string, record map[string]any) db.Listing {
	listing := db.Listing{
		URL:       listingURL,
		DateFound: time.Now().UTC(),
		Status:    db.ListingStatusActive,
	}

	for field, path := range a.config.API.Fields {
		applyListingField(&listing, field, stringAtPath(record, path), a.config.API.DateLayout, a.config.Name)
	}
	fillSchemaDefaults(&listing, a.schema, a.config.API.DateLayout, a.config.Name)

	return listing
}

// failExtracted records a batch-level failure against every URL that had
// already been extracted when the batch broke.
func (a *APIScraper) failExtracted(urls []string, cause error) {
	if len(urls) == 0 {
		return
	}

	updates := make(map[string]cache.Entry, len(urls))
	for _, u := range urls {
		updates[u] = a.store.NextAttempt(u, cache.StatusFailed, cause.Error())
	}
	a.store.Update(updates)
}

// valueAtPath walks a dotted path through nested JSON objects. An empty
// path returns the node itself.
func valueAtPath(node any, path string) (any, error) {
	if path == "" {
		return node, nil
	}

	current := node
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: segment %q is %T, expected an object", path, key, current)
		}
		value, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", path, key)
		}
		current = value
	}
	return current, nil
}

// stringAtPath reads the value at a dotted path as trimmed text, rendering
// JSON numbers and booleans; anything else comes back empty.
func stringAtPath(record map[string]any, path string) string {
	value, err := valueAtPath(record, path)
	if err != nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
