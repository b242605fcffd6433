package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is the persisted fetch state of a URL.
type Status string

const (
	// StatusPending marks a URL that has been discovered but not yet fetched.
	StatusPending Status = "pending"
	// StatusSuccess marks a URL whose listing has been fetched and archived.
	StatusSuccess Status = "success"
	// StatusFailed marks a URL that failed permanently and is skipped unless
	// the caller explicitly retries failures.
	StatusFailed Status = "failed"
	// StatusTransientFailure marks a URL that failed this session for what
	// looked like a temporary reason. It is excluded for the rest of the
	// session and demoted to pending when the cache is flushed, so the next
	// run picks it up again.
	StatusTransientFailure Status = "transient-failure"
)

// Entry records the fetch history of a single URL.
type Entry struct {
	Status      Status     `json:"status"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
}

// Store is the crash-recovery ledger of per-URL fetch status. It is
// persisted as a JSON file and reconciled against the archive on load.
// The archive is the long-term source of truth: any URL it contains is
// forced to success regardless of stale cache content.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
	dirty   bool
}

// NewStore creates a store backed by the JSON file at path. The file does
// not need to exist yet.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path not provided")
	}
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("cache path must use a .json extension, got %q", path)
	}
	return &Store{
		path:    path,
		entries: make(map[string]Entry),
	}, nil
}

// Path returns the location of the backing cache file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted cache file and reconciles it against the URLs
// already present in the archive. A missing file bootstraps from the
// archive alone. A corrupt file is logged, discarded and rebuilt the same
// way; the archive itself is never touched. Entries persisted as
// transient-failure by an interrupted run are demoted to pending so this
// run retries them.
func (s *Store) Load(archivedURLs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]Entry)
	s.dirty = false

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &s.entries); jsonErr != nil {
			log.Warn().
				Err(jsonErr).
				Str("path", s.path).
				Msg("Cache file corrupted, rebuilding from archive")
			s.entries = make(map[string]Entry)
			s.dirty = true
		}
	case os.IsNotExist(err):
		// First run for this source, the archive is the only truth.
		log.Debug().Str("path", s.path).Msg("No cache file found, bootstrapping from archive")
	default:
		return fmt.Errorf("failed to read cache file: %w", err)
	}

	for u, entry := range s.entries {
		if entry.Status == StatusTransientFailure {
			entry.Status = StatusPending
			s.entries[u] = entry
			s.dirty = true
		}
	}

	for _, u := range archivedURLs {
		entry, ok := s.entries[u]
		if ok && entry.Status == StatusSuccess {
			continue
		}
		if !ok {
			entry = Entry{Attempts: 1}
		}
		entry.Status = StatusSuccess
		entry.Error = ""
		s.entries[u] = entry
		s.dirty = true
	}

	log.Debug().
		Str("path", s.path).
		Int("entries", len(s.entries)).
		Int("archived", len(archivedURLs)).
		Msg("Cache loaded")
	return nil
}

// Get returns the entry for url, if one exists.
func (s *Store) Get(url string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[url]
	return entry, ok
}

// Len returns the number of URLs the store knows about.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// URLs returns every URL the store knows about, regardless of status.
// Order is not stable across calls.
func (s *Store) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := make([]string, 0, len(s.entries))
	for u := range s.entries {
		urls = append(urls, u)
	}
	return urls
}

// Update merges new status records into the store and marks it dirty.
// Persistence is deferred until Flush so batch loops do not rewrite the
// file on every URL.
func (s *Store) Update(records map[string]Entry) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for u, entry := range records {
		s.entries[u] = entry
	}
	s.dirty = true
}

// NextAttempt builds the successor entry for url after a fetch attempt,
// carrying forward the incremented attempt counter. The result is not
// stored; callers batch it into an Update.
func (s *Store) NextAttempt(url string, status Status, errMsg string) Entry {
	s.mu.RLock()
	prior := s.entries[url]
	s.mu.RUnlock()

	now := time.Now().UTC()
	return Entry{
		Status:      status,
		LastAttempt: &now,
		Attempts:    prior.Attempts + 1,
		Error:       errMsg,
	}
}

// FilterByStatus returns the URLs whose current status matches any of the
// given statuses. Order is not stable across calls.
func (s *Store) FilterByStatus(statuses ...Status) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var urls []string
	for u, entry := range s.entries {
		for _, status := range statuses {
			if entry.Status == status {
				urls = append(urls, u)
				break
			}
		}
	}
	return urls
}

// PickURLsToFetch registers any newly discovered URLs as pending and
// returns the set eligible for fetching this round. Pending URLs are
// always eligible, failed URLs only when retryFailures is set, and
// transient failures sit out the rest of the session. Registration is
// eager so every URL the system has seen carries a status even if the
// process dies before it is fetched.
func (s *Store) PickURLsToFetch(discovered []string, retryFailures bool) []string {
	s.mu.Lock()
	for _, u := range discovered {
		if _, ok := s.entries[u]; !ok {
			s.entries[u] = Entry{Status: StatusPending}
			s.dirty = true
		}
	}
	s.mu.Unlock()

	if retryFailures {
		return s.FilterByStatus(StatusPending, StatusFailed)
	}
	return s.FilterByStatus(StatusPending)
}

// Stats tallies the store's entries by status.
func (s *Store) Stats() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[Status]int)
	for _, entry := range s.entries {
		stats[entry.Status]++
	}
	return stats
}

// Flush writes the cache to disk if it has unflushed changes. The file is
// written to a temporary path and renamed into place so a crash mid-write
// never truncates the previous cache. Transient failures are persisted as
// pending; the in-memory state keeps them excluded for the rest of this
// session.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	persisted := make(map[string]Entry, len(s.entries))
	for u, entry := range s.entries {
		if entry.Status == StatusTransientFailure {
			entry.Status = StatusPending
		}
		persisted[u] = entry
	}

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	s.dirty = false
	log.Debug().Str("path", s.path).Int("entries", len(persisted)).Msg("Cache flushed")
	return nil
}
