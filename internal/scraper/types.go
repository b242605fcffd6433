package scraper

import (
	"context"
	"time"

	"github.com/jobscout-io/scout/internal/cache"
	"github.com/jobscout-io/scout/internal/db"
)

// State describes where a crawl run currently is in its lifecycle.
type State string

const (
	// StateDiscovering means the directory or listing scan is still finding
	// new URLs.
	StateDiscovering State = "discovering"
	// StateFetching means discovery has finished and only detail or record
	// retrieval remains.
	StateFetching State = "fetching"
	// StateComplete means a round produced no new URLs and no pending work
	// remains. Terminal.
	StateComplete State = "complete"
)

// Source is one fetch strategy plugged into the Orchestrator. A round of
// FetchNextBatch returns the URLs newly discovered this round and the
// listings that are ready to archive. Per-URL failures are absorbed into
// cache status updates; the returned error is reserved for fatal conditions
// such as a tripped circuit breaker or context cancellation. When the error
// is non-nil the listings fetched before the failure are still returned so
// the caller can archive them.
type Source interface {
	// Name identifies the source in logs and summaries.
	Name() string
	// State reports the source's current lifecycle state.
	State() State
	// FetchNextBatch produces one round of work.
	FetchNextBatch(ctx context.Context, batchSize int, retryFailures bool) (discovered []string, listings []db.Listing, err error)
}

// Archiver is the narrow slice of the database layer the orchestrator
// depends on.
type Archiver interface {
	AppendListings(ctx context.Context, listings []db.Listing) (int, error)
	ArchivedURLs(ctx context.Context) ([]string, error)
}

// Summary reports what one crawl run achieved.
type Summary struct {
	Source     string
	RunID      string
	State      State
	Rounds     int
	Discovered int
	Archived   int
	Stats      map[cache.Status]int
	Duration   time.Duration
}
