package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/jobscout-io/scout/internal/cache"
	"github.com/jobscout-io/scout/internal/config"
	"github.com/jobscout-io/scout/internal/crawler"
	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/observability"
	"github.com/jobscout-io/scout/internal/techdetect"
	"github.com/jobscout-io/scout/internal/util"
)

// SiteScraper crawls an HTML job board in two phases. Phase 1 paginates
// through directory pages collecting listing URLs until an empty page ends
// discovery for good. Phase 2 fetches each eligible listing page and parses
// the configured detail fields out of it.
type SiteScraper struct {
	config   config.SourceConfig
	schema   *config.Schema
	store    *cache.Store
	fetcher  *crawler.Fetcher
	detector *techdetect.Detector

	baseURL       *url.URL
	page          int
	discoveryDone bool
}

// NewSiteScraper creates a two-phase scraper for an html source. The
// detector is optional; without it listings carry only selector-extracted
// technologies. A nil schema falls back to the built-in canonical fields.
func NewSiteScraper(cfg config.SourceConfig, schema *config.Schema, store *cache.Store, fetcher *crawler.Fetcher, detector *techdetect.Detector) (*SiteScraper, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url for %s: %w", cfg.Name, err)
	}
	if schema == nil {
		schema = config.DefaultSchema()
	}

	return &SiteScraper{
		config:   cfg,
		schema:   schema,
		store:    store,
		fetcher:  fetcher,
		detector: detector,
		baseURL:  base,
		page:     cfg.Directory.StartPage,
	}, nil
}

// Name returns the configured source name.
func (s *SiteScraper) Name() string {
	return s.config.Name
}

// State reports discovering until the directory scan naturally terminates.
func (s *SiteScraper) State() State {
	if s.discoveryDone {
		return StateFetching
	}
	return StateDiscovering
}

// Page returns the directory page the next scan round will start from.
func (s *SiteScraper) Page() int {
	return s.page
}

// FetchNextBatch runs one round: a directory scan of up to batchSize pages,
// then a detail fetch of every eligible URL. Cache updates for the round
// are merged in a single call. Listings fetched before a fatal error are
// still returned alongside it.
func (s *SiteScraper) FetchNextBatch(ctx context.Context, batchSize int, retryFailures bool) ([]string, []db.Listing, error) {
	var discovered []string

	if !s.discoveryDone {
		if pending := len(s.store.FilterByStatus(cache.StatusPending)); pending > s.config.Fetch.BacklogLimit {
			log.Debug().
				Str("source", s.config.Name).
				Int("pending", pending).
				Int("backlog_limit", s.config.Fetch.BacklogLimit).
				Msg("Deferring directory scan until detail backlog drains")
		} else {
			var err error
			discovered, err = s.scanDirectoryPages(ctx, batchSize)
			if err != nil {
				return discovered, nil, err
			}
		}
	}

	eligible := s.store.PickURLsToFetch(discovered, retryFailures)
	listings, updates, err := s.fetchListingDetails(ctx, eligible)
	s.store.Update(updates)
	if err != nil {
		return discovered, listings, err
	}

	log.Debug().
		Str("source", s.config.Name).
		Int("discovered", len(discovered)).
		Int("fetched", len(eligible)).
		Int("parsed", len(listings)).
		Msg("Site batch finished")

	return discovered, listings, nil
}

// scanDirectoryPages walks up to pagesPerBatch directory pages from the
// current cursor, collecting listing URLs. An empty page ends discovery
// permanently. A page that fails to fetch ends this round's scan without
// advancing the cursor, so the next round retries the same page.
func (s *SiteScraper) scanDirectoryPages(ctx context.Context, pagesPerBatch int) ([]string, error) {
	var discovered []string

	end := s.page + pagesPerBatch
	for s.page < end {
		pageURL := strings.ReplaceAll(s.config.Directory.PageURL, "{page}", strconv.Itoa(s.page))

		fetchStart := time.Now()
		result, err := s.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			return discovered, err
		}
		observability.RecordFetch(ctx, observability.FetchMetrics{
			Source:   s.config.Name,
			Phase:    "directory",
			Outcome:  string(result.Outcome),
			Duration: time.Since(fetchStart),
		})
		if result.Outcome != crawler.OutcomeGood {
			log.Warn().
				Str("source", s.config.Name).
				Int("page", s.page).
				Str("url", pageURL).
				Str("error", describeFailure(pageURL, result)).
				Msg("Directory page fetch failed, ending scan for this round")
			break
		}

		urls := s.extractListingURLs(result.Response.Body)
		if len(urls) == 0 {
			s.discoveryDone = true
			log.Info().
				Str("source", s.config.Name).
				Int("page", s.page).
				Msg("Empty directory page, discovery complete")
			break
		}

		log.Debug().
			Str("source", s.config.Name).
			Int("page", s.page).
			Int("urls", len(urls)).
			Msg("Scanned directory page")

		discovered = append(discovered, urls...)
		s.page++
	}

	return discovered, nil
}

// extractListingURLs pulls listing links out of a directory page, resolving
// relative hrefs against the source's base URL and deduplicating within the
// page.
func (s *SiteScraper) extractListingURLs(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("source", s.config.Name).Msg("Failed to parse directory page")
		return nil
	}

	seen := make(map[string]bool)
	var urls []string

	doc.Find(s.config.Directory.LinkSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr(s.config.Directory.LinkAttr)
		if !ok {
			return
		}

		resolved := s.resolveURL(strings.TrimSpace(href))
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		urls = append(urls, resolved)
	})

	return urls
}

// resolveURL makes a directory link absolute against the base URL. Links
// that do not resolve to a fetchable listing URL are dropped.
func (s *SiteScraper) resolveURL(href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := s.baseURL.ResolveReference(ref).String()
	if err := util.ValidateURL(resolved); err != nil {
		return ""
	}
	return resolved
}

// fetchListingDetails fetches every eligible listing URL and classifies
// each outcome into a cache status update. The updates are returned for one
// batched merge. On a fatal error the listings and updates gathered so far
// are returned with it so no progress is dropped.
func (s *SiteScraper) fetchListingDetails(ctx context.Context, urls []string) ([]db.Listing, map[string]cache.Entry, error) {
	updates := make(map[string]cache.Entry)
	var listings []db.Listing

	for _, listingURL := range urls {
		fetchStart := time.Now()
		result, err := s.fetcher.Fetch(ctx, listingURL)
		if err != nil {
			return listings, updates, err
		}
		observability.RecordFetch(ctx, observability.FetchMetrics{
			Source:   s.config.Name,
			Phase:    "detail",
			Outcome:  string(result.Outcome),
			Duration: time.Since(fetchStart),
		})

		switch result.Outcome {
		case crawler.OutcomeGood:
			listing, perr := s.parseListing(listingURL, result.Response)
			if perr != nil {
				log.Warn().
					Err(perr).
					Str("source", s.config.Name).
					Str("url", listingURL).
					Msg("Failed to parse listing page")
				updates[listingURL] = s.store.NextAttempt(listingURL, cache.StatusFailed, perr.Error())
				continue
			}
			listings = append(listings, listing)
			updates[listingURL] = s.store.NextAttempt(listingURL, cache.StatusSuccess, "")

		case crawler.OutcomeBad:
			log.Debug().
				Str("source", s.config.Name).
				Str("url", listingURL).
				Str("error", describeFailure(listingURL, result)).
				Msg("Listing permanently unavailable")
			updates[listingURL] = s.store.NextAttempt(listingURL, cache.StatusFailed, describeFailure(listingURL, result))

		default:
			updates[listingURL] = s.store.NextAttempt(listingURL, cache.StatusTransientFailure, describeFailure(listingURL, result))
		}
	}

	return listings, updates, nil
}

// parseListing extracts the configured detail fields from a listing page
// and stamps the discovery metadata. A page leaving a schema-required
// field empty is treated as a parse failure.
func (s *SiteScraper) parseListing(listingURL string, resp *crawler.Response) (db.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return db.Listing{}, fmt.Errorf("failed to parse listing html: %w", err)
	}

	listing := db.Listing{
		URL:       listingURL,
		DateFound: time.Now().UTC(),
		Status:    db.ListingStatusActive,
	}
	for field, selector := range s.config.Detail.Fields {
		applyListingField(&listing, field, extractField(doc, selector), s.config.Detail.DateLayout, s.config.Name)
	}
	fillSchemaDefaults(&listing, s.schema, s.config.Detail.DateLayout, s.config.Name)

	if missing := missingRequiredFields(&listing, s.schema); len(missing) > 0 {
		return db.Listing{}, fmt.Errorf("no value found for required fields: %s", strings.Join(missing, ", "))
	}

	if s.detector != nil {
		listing.Technologies = mergeTechnologies(listing.Technologies, s.detector.TechNames(resp.Headers, resp.Body))
	}

	return listing, nil
}

// extractField reads one field's text or attribute from the document.
func extractField(doc *goquery.Document, fs config.FieldSelector) string {
	sel := doc.Find(fs.Selector).First()
	if fs.Attr != "" {
		value, _ := sel.Attr(fs.Attr)
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(sel.Text())
}

// applyListingField maps one canonical schema field onto the listing
// record. Empty values leave the field at its zero value. Shared by the
// site and API scrapers.
func applyListingField(listing *db.Listing, field, value, dateLayout, source string) {
	if value == "" {
		return
	}

	switch field {
	case "title":
		listing.Title = value
	case "company":
		listing.Company = value
	case "location":
		listing.Location = value
	case "remote":
		listing.Remote = value
	case "description":
		listing.Description = value
	case "min_salary":
		low, _ := util.ParseSalaryRange(value)
		listing.MinSalary = low
	case "max_salary":
		_, high := util.ParseSalaryRange(value)
		listing.MaxSalary = high
	case "date_posted":
		posted, err := time.Parse(dateLayout, value)
		if err != nil {
			log.Debug().
				Str("source", source).
				Str("value", value).
				Str("layout", dateLayout).
				Msg("Could not parse posted date")
			return
		}
		listing.DatePosted = &posted
	case "technologies":
		listing.Technologies = splitList(value)
	}
}

// listingFieldValue reads a canonical field back off the listing. Zero
// salaries, nil dates and empty lists read as empty, matching the
// unparsed-value convention.
func listingFieldValue(listing *db.Listing, field string) string {
	switch field {
	case "url":
		return listing.URL
	case "title":
		return listing.Title
	case "company":
		return listing.Company
	case "location":
		return listing.Location
	case "remote":
		return listing.Remote
	case "description":
		return listing.Description
	case "min_salary":
		if listing.MinSalary == 0 {
			return ""
		}
		return strconv.Itoa(listing.MinSalary)
	case "max_salary":
		if listing.MaxSalary == 0 {
			return ""
		}
		return strconv.Itoa(listing.MaxSalary)
	case "date_posted":
		if listing.DatePosted == nil {
			return ""
		}
		return listing.DatePosted.Format("2006-01-02")
	case "technologies":
		return strings.Join(listing.Technologies, ", ")
	}
	return ""
}

// fillSchemaDefaults applies schema defaults to fields the source left
// empty. Shared by the site and API scrapers.
func fillSchemaDefaults(listing *db.Listing, schema *config.Schema, dateLayout, source string) {
	for _, spec := range schema.Fields {
		if spec.Default == "" || listingFieldValue(listing, spec.Name) != "" {
			continue
		}
		applyListingField(listing, spec.Name, spec.Default, dateLayout, source)
	}
}

// missingRequiredFields reports schema-required fields the listing left
// empty.
func missingRequiredFields(listing *db.Listing, schema *config.Schema) []string {
	var missing []string
	for _, field := range schema.RequiredFields() {
		if listingFieldValue(listing, field) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// describeFailure produces the diagnostic recorded against a failed fetch.
func describeFailure(requestedURL string, result *crawler.Result) string {
	if result.ErrorMsg != "" {
		return result.ErrorMsg
	}
	if result.Response != nil {
		if util.IsSignificantRedirect(requestedURL, result.Response.FinalURL) {
			return fmt.Sprintf("redirected to %s", result.Response.FinalURL)
		}
		return fmt.Sprintf("status %d", result.Response.StatusCode)
	}
	return "no response received"
}

// splitList splits a comma-separated selector value into trimmed entries.
func splitList(value string) []string {
	var parts []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// mergeTechnologies combines selector-extracted and fingerprinted names,
// keeping first-seen order and dropping duplicates.
func mergeTechnologies(existing, detected []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := existing
	for _, tech := range existing {
		seen[tech] = true
	}
	for _, tech := range detected {
		if !seen[tech] {
			seen[tech] = true
			merged = append(merged, tech)
		}
	}
	return merged
}
