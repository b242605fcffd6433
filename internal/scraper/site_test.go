//go:build unit || !integration

package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobscout-io/scout/internal/cache"
	"github.com/jobscout-io/scout/internal/config"
	"github.com/jobscout-io/scout/internal/crawler"
	"github.com/jobscout-io/scout/internal/db"
)

// fakeBoard serves a paginated job board: a directory under /jobs with a
// page query parameter and detail pages under /jobs/{slug}. Pages past the
// configured set render empty, which ends discovery.
type fakeBoard struct {
	mu          sync.Mutex
	pages       [][]string
	brokenSlugs map[string]int
	blankSlugs  map[string]bool
	brokenPages map[int]int
	hitsByPage  map[int]int
	hitsBySlug  map[string]int

	server *httptest.Server
}

func newFakeBoard(t *testing.T, pages [][]string) *fakeBoard {
	t.Helper()
	b := &fakeBoard{
		pages:       pages,
		brokenSlugs: make(map[string]int),
		blankSlugs:  make(map[string]bool),
		brokenPages: make(map[int]int),
		hitsByPage:  make(map[int]int),
		hitsBySlug:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", b.serveDirectory)
	mux.HandleFunc("/jobs/", b.serveDetail)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBoard) serveDirectory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	b.mu.Lock()
	b.hitsByPage[page]++
	status := b.brokenPages[page]
	var slugs []string
	if page < len(b.pages) {
		slugs = b.pages[page]
	}
	b.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	var links strings.Builder
	for _, slug := range slugs {
		fmt.Fprintf(&links, `<li><a class="job-link" href="/jobs/%s">%s</a></li>`, slug, slug)
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><body><ul>%s</ul></body></html>`, links.String())
}

func (b *fakeBoard) serveDetail(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/jobs/")

	b.mu.Lock()
	b.hitsBySlug[slug]++
	status := b.brokenSlugs[slug]
	blank := b.blankSlugs[slug]
	b.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	if blank {
		fmt.Fprint(w, `<html><body><p>This listing is no longer available.</p></body></html>`)
		return
	}
	fmt.Fprintf(w, `<html><body>
<h1 class="title">%s developer</h1>
<span class="company">Initech</span>
<span class="location">Melbourne</span>
<span class="salary">$80k - $100k</span>
<time datetime="2026-08-01">1 August 2026</time>
<div class="description">Shipping %s things in production.</div>
</body></html>`, slug, slug)
}

func (b *fakeBoard) breakSlug(slug string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.brokenSlugs[slug] = status
}

func (b *fakeBoard) blankSlug(slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blankSlugs[slug] = true
}

func (b *fakeBoard) breakPage(page, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.brokenPages[page] = status
}

func (b *fakeBoard) fixPage(page int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.brokenPages, page)
}

func (b *fakeBoard) pageHits(page int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hitsByPage[page]
}

func (b *fakeBoard) totalPageHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.hitsByPage {
		total += n
	}
	return total
}

func (b *fakeBoard) slugHits(slug string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hitsBySlug[slug]
}

func (b *fakeBoard) listingURL(slug string) string {
	return b.server.URL + "/jobs/" + slug
}

func siteTestConfig(b *fakeBoard) config.SourceConfig {
	return config.SourceConfig{
		Name:      "acme_jobs",
		Type:      config.SourceTypeHTML,
		BaseURL:   b.server.URL,
		CacheFile: "acme_jobs.json",
		Fetch: config.FetchConfig{
			RequestDelay:           time.Millisecond,
			BatchDelay:             time.Millisecond,
			MaxRetries:             2,
			MaxConsecutiveFailures: 5,
			Timeout:                5 * time.Second,
			BacklogLimit:           50,
		},
		Directory: config.DirectoryConfig{
			PageURL:      b.server.URL + "/jobs?page={page}",
			LinkSelector: "a.job-link",
			LinkAttr:     "href",
		},
		Detail: config.DetailConfig{
			Fields: map[string]config.FieldSelector{
				"title":       {Selector: "h1.title"},
				"company":     {Selector: ".company"},
				"location":    {Selector: ".location"},
				"description": {Selector: ".description"},
				"min_salary":  {Selector: ".salary"},
				"max_salary":  {Selector: ".salary"},
				"date_posted": {Selector: "time", Attr: "datetime"},
			},
			DateLayout: "2006-01-02",
		},
	}
}

func newSiteScraper(t *testing.T, cfg config.SourceConfig, store *cache.Store) *SiteScraper {
	return newSiteScraperWithSchema(t, cfg, nil, store)
}

func newSiteScraperWithSchema(t *testing.T, cfg config.SourceConfig, schema *config.Schema, store *cache.Store) *SiteScraper {
	t.Helper()
	fetchConfig := crawler.DefaultConfig()
	fetchConfig.RequestDelay = cfg.Fetch.RequestDelay
	fetchConfig.MaxRetries = cfg.Fetch.MaxRetries
	fetchConfig.MaxConsecutiveFailures = cfg.Fetch.MaxConsecutiveFailures
	fetchConfig.Timeout = cfg.Fetch.Timeout

	fetcher, err := crawler.NewFetcher(fetchConfig)
	require.NoError(t, err)
	s, err := NewSiteScraper(cfg, schema, store, fetcher, nil)
	require.NoError(t, err)
	return s
}

func TestSiteScraper_EndToEndRun(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"alpha", "beta", "gamma"}, {"delta", "epsilon"}})
	cfg := siteTestConfig(board)
	archive := &stubArchive{}

	o, err := FromConfig(cfg, nil, t.TempDir(), archive, nil)
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), Options{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, StateComplete, summary.State)
	assert.Equal(t, 2, summary.Rounds)
	assert.Equal(t, 5, summary.Discovered)
	assert.Equal(t, 5, summary.Archived)
	assert.Equal(t, 5, summary.Stats[cache.StatusSuccess])
	require.Len(t, archive.listings, 5)

	byURL := make(map[string]db.Listing)
	for _, l := range archive.listings {
		byURL[l.URL] = l
	}
	alpha, ok := byURL[board.listingURL("alpha")]
	require.True(t, ok)
	assert.Equal(t, "alpha developer", alpha.Title)
	assert.Equal(t, "Initech", alpha.Company)
	assert.Equal(t, "Melbourne", alpha.Location)
	assert.Equal(t, 80000, alpha.MinSalary)
	assert.Equal(t, 100000, alpha.MaxSalary)
	assert.Contains(t, alpha.Description, "Shipping alpha")
	assert.Equal(t, db.ListingStatusActive, alpha.Status)
	require.NotNil(t, alpha.DatePosted)
	assert.Equal(t, "2026-08-01", alpha.DatePosted.Format("2006-01-02"))

	// Every directory page and listing was fetched exactly once.
	assert.Equal(t, 3, board.totalPageHits())
	assert.Equal(t, 1, board.slugHits("alpha"))
	assert.Equal(t, 1, board.slugHits("epsilon"))
}

func TestSiteScraper_ResumableDirectoryCursor(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"alpha", "beta"}, {"gamma"}})
	store := newTestStore(t)
	s := newSiteScraper(t, siteTestConfig(board), store)
	ctx := context.Background()

	assert.Equal(t, StateDiscovering, s.State())

	discovered, listings, err := s.FetchNextBatch(ctx, 1, false)
	require.NoError(t, err)
	assert.Len(t, discovered, 2)
	assert.Len(t, listings, 2)
	assert.Equal(t, 1, s.Page())
	assert.Equal(t, StateDiscovering, s.State())

	discovered, listings, err = s.FetchNextBatch(ctx, 1, false)
	require.NoError(t, err)
	assert.Len(t, discovered, 1)
	assert.Len(t, listings, 1)
	assert.Equal(t, 2, s.Page())

	// Page 2 is empty: discovery ends for good.
	discovered, listings, err = s.FetchNextBatch(ctx, 1, false)
	require.NoError(t, err)
	assert.Empty(t, discovered)
	assert.Empty(t, listings)
	assert.Equal(t, StateFetching, s.State())

	// Later rounds never touch the directory again.
	before := board.totalPageHits()
	_, _, err = s.FetchNextBatch(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, before, board.totalPageHits())
}

func TestSiteScraper_StartPageOffset(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"alpha"}, {"beta"}})
	cfg := siteTestConfig(board)
	cfg.Directory.StartPage = 1
	s := newSiteScraper(t, cfg, newTestStore(t))

	discovered, _, err := s.FetchNextBatch(context.Background(), 1, false)
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.True(t, strings.HasSuffix(discovered[0], "/jobs/beta"))
	assert.Equal(t, 0, board.pageHits(0))
	assert.Equal(t, 1, board.pageHits(1))
}

func TestSiteScraper_DefersDiscoveryWhileBacklogged(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"alpha"}})
	cfg := siteTestConfig(board)
	cfg.Fetch.BacklogLimit = 2
	store := newTestStore(t)
	s := newSiteScraper(t, cfg, store)
	ctx := context.Background()

	// A prior interrupted session left three listings pending.
	backlog := []string{board.listingURL("p1"), board.listingURL("p2"), board.listingURL("p3")}
	store.PickURLsToFetch(backlog, false)

	discovered, listings, err := s.FetchNextBatch(ctx, 5, false)
	require.NoError(t, err)
	assert.Empty(t, discovered)
	assert.Len(t, listings, 3)
	assert.Equal(t, 0, board.totalPageHits())

	// Backlog drained below the limit, so discovery resumes.
	discovered, _, err = s.FetchNextBatch(ctx, 5, false)
	require.NoError(t, err)
	assert.Len(t, discovered, 1)
	assert.Greater(t, board.totalPageHits(), 0)
}

func TestSiteScraper_PermanentFailureRetriedOnlyOnDemand(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"good", "gone"}})
	board.breakSlug("gone", http.StatusNotFound)
	store := newTestStore(t)
	s := newSiteScraper(t, siteTestConfig(board), store)
	ctx := context.Background()

	_, listings, err := s.FetchNextBatch(ctx, 5, false)
	require.NoError(t, err)
	assert.Len(t, listings, 1)

	goneURL := board.listingURL("gone")
	entry, ok := store.Get(goneURL)
	require.True(t, ok)
	assert.Equal(t, cache.StatusFailed, entry.Status)
	assert.Equal(t, "status 404", entry.Error)
	assert.Equal(t, 1, entry.Attempts)

	// Failed URLs sit out normal rounds.
	_, _, err = s.FetchNextBatch(ctx, 5, false)
	require.NoError(t, err)
	assert.Equal(t, 1, board.slugHits("gone"))

	// And are fetched again when a retry round asks for them.
	_, _, err = s.FetchNextBatch(ctx, 5, true)
	require.NoError(t, err)
	assert.Equal(t, 2, board.slugHits("gone"))
	entry, _ = store.Get(goneURL)
	assert.Equal(t, cache.StatusFailed, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
}

func TestSiteScraper_TransientFailureSitsOutSession(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"flaky"}})
	board.breakSlug("flaky", http.StatusInternalServerError)
	store := newTestStore(t)
	s := newSiteScraper(t, siteTestConfig(board), store)
	ctx := context.Background()

	_, listings, err := s.FetchNextBatch(ctx, 5, false)
	require.NoError(t, err)
	assert.Empty(t, listings)

	entry, ok := store.Get(board.listingURL("flaky"))
	require.True(t, ok)
	assert.Equal(t, cache.StatusTransientFailure, entry.Status)
	assert.Equal(t, "status 500", entry.Error)

	// Not fetched again this session, even on a retry round.
	_, _, err = s.FetchNextBatch(ctx, 5, true)
	require.NoError(t, err)
	assert.Equal(t, 1, board.slugHits("flaky"))
}

func TestSiteScraper_ParseFailureMarksListingFailed(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"untitled"}})
	board.blankSlug("untitled")
	store := newTestStore(t)
	s := newSiteScraper(t, siteTestConfig(board), store)

	_, listings, err := s.FetchNextBatch(context.Background(), 5, false)
	require.NoError(t, err)
	assert.Empty(t, listings)

	entry, ok := store.Get(board.listingURL("untitled"))
	require.True(t, ok)
	assert.Equal(t, cache.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "required fields: title")
}

func TestSiteScraper_SchemaDefaultFillsUnmappedField(t *testing.T) {
	// The board's detail pages carry no remote marker and the source maps
	// no selector for it, so the schema default supplies the value.
	board := newFakeBoard(t, [][]string{{"alpha"}})
	schema := &config.Schema{Fields: []config.FieldSpec{
		{Name: "url", Required: true},
		{Name: "title", Required: true},
		{Name: "remote", Default: "Hybrid"},
	}}
	store := newTestStore(t)
	s := newSiteScraperWithSchema(t, siteTestConfig(board), schema, store)

	_, listings, err := s.FetchNextBatch(context.Background(), 5, false)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "alpha developer", listings[0].Title)
	assert.Equal(t, "Hybrid", listings[0].Remote)
}

func TestSiteScraper_SchemaRequiredFieldMarksFailed(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"alpha"}})
	schema := &config.Schema{Fields: []config.FieldSpec{
		{Name: "url", Required: true},
		{Name: "remote", Required: true},
	}}
	store := newTestStore(t)
	s := newSiteScraperWithSchema(t, siteTestConfig(board), schema, store)

	_, listings, err := s.FetchNextBatch(context.Background(), 5, false)
	require.NoError(t, err)
	assert.Empty(t, listings)

	entry, ok := store.Get(board.listingURL("alpha"))
	require.True(t, ok)
	assert.Equal(t, cache.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "required fields: remote")
}

func TestSiteScraper_CircuitTripAbortsMidBatch(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"a", "b", "c"}})
	for _, slug := range []string{"a", "b", "c"} {
		board.breakSlug(slug, http.StatusBadGateway)
	}
	cfg := siteTestConfig(board)
	cfg.Fetch.MaxConsecutiveFailures = 2
	store := newTestStore(t)
	s := newSiteScraper(t, cfg, store)

	discovered, listings, err := s.FetchNextBatch(context.Background(), 5, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrCircuitOpen)
	assert.Len(t, discovered, 3)
	assert.Empty(t, listings)

	// Exactly one URL recorded its transient failure before the trip; the
	// rest stay pending for the next session.
	assert.Len(t, store.FilterByStatus(cache.StatusTransientFailure), 1)
	assert.Len(t, store.FilterByStatus(cache.StatusPending), 2)
}

func TestSiteScraper_DirectoryFailureRetriesSamePage(t *testing.T) {
	board := newFakeBoard(t, [][]string{{"alpha"}, {"beta"}})
	board.breakPage(1, http.StatusServiceUnavailable)
	store := newTestStore(t)
	s := newSiteScraper(t, siteTestConfig(board), store)
	ctx := context.Background()

	discovered, _, err := s.FetchNextBatch(ctx, 5, false)
	require.NoError(t, err)
	assert.Len(t, discovered, 1)
	assert.Equal(t, 1, s.Page())
	assert.Equal(t, StateDiscovering, s.State())

	// The page recovers and the next round picks up where the scan stopped.
	board.fixPage(1)
	discovered, _, err = s.FetchNextBatch(ctx, 5, false)
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.True(t, strings.HasSuffix(discovered[0], "/jobs/beta"))
	assert.Equal(t, StateFetching, s.State())
}

func TestSiteScraper_ExtractListingURLs(t *testing.T) {
	cfg := config.SourceConfig{
		Name:    "acme_jobs",
		Type:    config.SourceTypeHTML,
		BaseURL: "https://example.com",
		Directory: config.DirectoryConfig{
			PageURL:      "https://example.com/jobs?page={page}",
			LinkSelector: "a.job-link",
			LinkAttr:     "href",
		},
	}
	fetcher, err := crawler.NewFetcher(nil)
	require.NoError(t, err)
	s, err := NewSiteScraper(cfg, nil, newTestStore(t), fetcher, nil)
	require.NoError(t, err)

	html := `<html><body>
<a class="job-link" href="/jobs/alpha">Alpha</a>
<a class="job-link" href="/jobs/alpha">Alpha again</a>
<a class="job-link" href="https://boards.example.net/beta">Beta</a>
<a class="job-link" href="javascript:void(0)">Noise</a>
<a class="other" href="/jobs/hidden">Hidden</a>
<a class="job-link">No href</a>
</body></html>`

	urls := s.extractListingURLs([]byte(html))
	assert.Equal(t, []string{
		"https://example.com/jobs/alpha",
		"https://boards.example.net/beta",
	}, urls)
}
