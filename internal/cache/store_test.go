package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "source_cache.json")
}

func writeCacheFile(t *testing.T, path string, entries map[string]Entry) {
	t.Helper()
	data, err := json.MarshalIndent(entries, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func readCacheFile(t *testing.T, path string) map[string]Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entries := make(map[string]Entry)
	require.NoError(t, json.Unmarshal(data, &entries))
	return entries
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		expectError bool
	}{
		{
			name:        "valid_json_path",
			path:        "caches/acme_jobs.json",
			expectError: false,
		},
		{
			name:        "empty_path",
			path:        "",
			expectError: true,
		},
		{
			name:        "wrong_extension",
			path:        "caches/acme_jobs.txt",
			expectError: true,
		},
		{
			name:        "no_extension",
			path:        "caches/acme_jobs",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.path)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, store)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.path, store.Path())
			}
		})
	}
}

func TestStore_LoadWithoutCacheFile(t *testing.T) {
	store, err := NewStore(testStorePath(t))
	require.NoError(t, err)

	archived := []string{"https://example.com/jobs/1", "https://example.com/jobs/2"}
	require.NoError(t, store.Load(archived))

	assert.Equal(t, 2, store.Len())
	for _, u := range archived {
		entry, ok := store.Get(u)
		require.True(t, ok, "expected entry for %s", u)
		assert.Equal(t, StatusSuccess, entry.Status)
		assert.Equal(t, 1, entry.Attempts)
		assert.Empty(t, entry.Error)
	}
}

func TestStore_LoadCorruptCacheFile(t *testing.T) {
	path := testStorePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{this is not json"), 0o644))

	store, err := NewStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Load([]string{"https://example.com/jobs/1"}))

	assert.Equal(t, 1, store.Len())
	entry, ok := store.Get("https://example.com/jobs/1")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)

	// The rebuilt state replaces the corrupt file on the next flush.
	require.NoError(t, store.Flush())
	persisted := readCacheFile(t, path)
	assert.Len(t, persisted, 1)
}

func TestStore_LoadArchivePrecedence(t *testing.T) {
	path := testStorePath(t)
	lastAttempt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	writeCacheFile(t, path, map[string]Entry{
		"https://example.com/jobs/1": {
			Status:      StatusFailed,
			LastAttempt: &lastAttempt,
			Attempts:    3,
			Error:       "410 Gone",
		},
		"https://example.com/jobs/2": {Status: StatusPending},
	})

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Load([]string{"https://example.com/jobs/1"}))

	// Archive truth wins over the stale failed status, but the attempt
	// history is kept.
	entry, ok := store.Get("https://example.com/jobs/1")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.Empty(t, entry.Error)

	// URLs absent from the archive keep their cached status.
	entry, ok = store.Get("https://example.com/jobs/2")
	require.True(t, ok)
	assert.Equal(t, StatusPending, entry.Status)
}

func TestStore_LoadIsIdempotent(t *testing.T) {
	path := testStorePath(t)
	lastAttempt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	writeCacheFile(t, path, map[string]Entry{
		"https://example.com/jobs/1": {Status: StatusFailed, LastAttempt: &lastAttempt, Attempts: 2, Error: "404 Not Found"},
		"https://example.com/jobs/2": {Status: StatusPending},
		"https://example.com/jobs/3": {Status: StatusSuccess, Attempts: 1},
	})
	archived := []string{"https://example.com/jobs/3", "https://example.com/jobs/4"}

	store, err := NewStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Load(archived))
	first := make(map[string]Entry, store.Len())
	for _, u := range store.URLs() {
		entry, _ := store.Get(u)
		first[u] = entry
	}

	require.NoError(t, store.Load(archived))
	second := make(map[string]Entry, store.Len())
	for _, u := range store.URLs() {
		entry, _ := store.Get(u)
		second[u] = entry
	}

	assert.Equal(t, first, second)
}

func TestStore_LoadDemotesPersistedTransientFailures(t *testing.T) {
	path := testStorePath(t)
	writeCacheFile(t, path, map[string]Entry{
		"https://example.com/jobs/1": {Status: StatusTransientFailure, Attempts: 2, Error: "503 Service Unavailable"},
	})

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))

	entry, ok := store.Get("https://example.com/jobs/1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
}

func TestStore_UpdateDefersPersistence(t *testing.T) {
	path := testStorePath(t)
	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))

	store.Update(map[string]Entry{
		"https://example.com/jobs/1": {Status: StatusSuccess, Attempts: 1},
	})

	// Nothing on disk until an explicit flush.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, store.Flush())
	persisted := readCacheFile(t, path)
	require.Len(t, persisted, 1)
	assert.Equal(t, StatusSuccess, persisted["https://example.com/jobs/1"].Status)

	_, statErr = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr), "temp file should be renamed away")
}

func TestStore_FlushNoopWhenClean(t *testing.T) {
	path := testStorePath(t)
	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))

	require.NoError(t, store.Flush())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "clean store should not touch disk")
}

func TestStore_FlushDemotesTransientFailures(t *testing.T) {
	path := testStorePath(t)
	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))

	store.Update(map[string]Entry{
		"https://example.com/jobs/1": {Status: StatusTransientFailure, Attempts: 1, Error: "connection reset"},
	})
	require.NoError(t, store.Flush())

	// Persisted as pending so the next run retries it.
	persisted := readCacheFile(t, path)
	assert.Equal(t, StatusPending, persisted["https://example.com/jobs/1"].Status)

	// In-memory status is unchanged, keeping the URL out of this session.
	entry, ok := store.Get("https://example.com/jobs/1")
	require.True(t, ok)
	assert.Equal(t, StatusTransientFailure, entry.Status)
}

func TestStore_FlushRoundTrip(t *testing.T) {
	path := testStorePath(t)
	lastAttempt := time.Date(2026, 8, 15, 9, 30, 0, 0, time.UTC)
	entries := map[string]Entry{
		"https://example.com/jobs/1": {Status: StatusSuccess, LastAttempt: &lastAttempt, Attempts: 1},
		"https://example.com/jobs/2": {Status: StatusFailed, LastAttempt: &lastAttempt, Attempts: 3, Error: "404 Not Found"},
		"https://example.com/jobs/3": {Status: StatusPending},
	}

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))
	store.Update(entries)
	require.NoError(t, store.Flush())

	reloaded, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(nil))

	require.Equal(t, len(entries), reloaded.Len())
	for u, want := range entries {
		got, ok := reloaded.Get(u)
		require.True(t, ok, "expected entry for %s", u)
		assert.Equal(t, want, got)
	}
}

func TestStore_PickURLsToFetch(t *testing.T) {
	seed := map[string]Entry{
		"https://example.com/jobs/pending":   {Status: StatusPending},
		"https://example.com/jobs/success":   {Status: StatusSuccess, Attempts: 1},
		"https://example.com/jobs/failed":    {Status: StatusFailed, Attempts: 2, Error: "404 Not Found"},
		"https://example.com/jobs/transient": {Status: StatusTransientFailure, Attempts: 1},
	}

	tests := []struct {
		name          string
		discovered    []string
		retryFailures bool
		want          []string
	}{
		{
			name:          "pending_only",
			discovered:    nil,
			retryFailures: false,
			want:          []string{"https://example.com/jobs/pending"},
		},
		{
			name:          "retry_includes_failed",
			discovered:    nil,
			retryFailures: true,
			want: []string{
				"https://example.com/jobs/pending",
				"https://example.com/jobs/failed",
			},
		},
		{
			name:          "new_urls_join_pending_set",
			discovered:    []string{"https://example.com/jobs/new"},
			retryFailures: false,
			want: []string{
				"https://example.com/jobs/pending",
				"https://example.com/jobs/new",
			},
		},
		{
			name:          "known_urls_not_reset",
			discovered:    []string{"https://example.com/jobs/success", "https://example.com/jobs/transient"},
			retryFailures: false,
			want:          []string{"https://example.com/jobs/pending"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(testStorePath(t))
			require.NoError(t, err)
			require.NoError(t, store.Load(nil))
			store.Update(seed)

			got := store.PickURLsToFetch(tt.discovered, tt.retryFailures)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestStore_PickURLsToFetchEagerPending(t *testing.T) {
	path := testStorePath(t)
	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))

	discovered := []string{"https://example.com/jobs/1", "https://example.com/jobs/2"}
	picked := store.PickURLsToFetch(discovered, false)
	assert.ElementsMatch(t, discovered, picked)

	// Every discovered URL carries a status before any fetch happens, so a
	// crash here loses no discovery work once flushed.
	for _, u := range discovered {
		entry, ok := store.Get(u)
		require.True(t, ok)
		assert.Equal(t, StatusPending, entry.Status)
		assert.Equal(t, 0, entry.Attempts)
		assert.Nil(t, entry.LastAttempt)
	}

	require.NoError(t, store.Flush())
	persisted := readCacheFile(t, path)
	assert.Len(t, persisted, 2)
}

func TestStore_NextAttempt(t *testing.T) {
	store, err := NewStore(testStorePath(t))
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))
	store.Update(map[string]Entry{
		"https://example.com/jobs/known": {Status: StatusPending, Attempts: 4},
	})

	tests := []struct {
		name         string
		url          string
		status       Status
		errMsg       string
		wantAttempts int
	}{
		{
			name:         "first_attempt",
			url:          "https://example.com/jobs/new",
			status:       StatusSuccess,
			wantAttempts: 1,
		},
		{
			name:         "increments_prior_attempts",
			url:          "https://example.com/jobs/known",
			status:       StatusFailed,
			errMsg:       "404 Not Found",
			wantAttempts: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := store.NextAttempt(tt.url, tt.status, tt.errMsg)

			assert.Equal(t, tt.status, entry.Status)
			assert.Equal(t, tt.errMsg, entry.Error)
			assert.Equal(t, tt.wantAttempts, entry.Attempts)
			require.NotNil(t, entry.LastAttempt)
			assert.WithinDuration(t, time.Now().UTC(), *entry.LastAttempt, 5*time.Second)
		})
	}
}

func TestStore_FilterByStatus(t *testing.T) {
	store, err := NewStore(testStorePath(t))
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))
	store.Update(map[string]Entry{
		"https://example.com/jobs/1": {Status: StatusSuccess, Attempts: 1},
		"https://example.com/jobs/2": {Status: StatusFailed, Attempts: 1},
		"https://example.com/jobs/3": {Status: StatusPending},
		"https://example.com/jobs/4": {Status: StatusFailed, Attempts: 2},
	})

	assert.ElementsMatch(t,
		[]string{"https://example.com/jobs/2", "https://example.com/jobs/4"},
		store.FilterByStatus(StatusFailed))

	assert.ElementsMatch(t,
		[]string{"https://example.com/jobs/2", "https://example.com/jobs/3", "https://example.com/jobs/4"},
		store.FilterByStatus(StatusFailed, StatusPending))

	assert.Empty(t, store.FilterByStatus(StatusTransientFailure))
}

func TestStore_Stats(t *testing.T) {
	store, err := NewStore(testStorePath(t))
	require.NoError(t, err)
	require.NoError(t, store.Load(nil))
	store.Update(map[string]Entry{
		"https://example.com/jobs/1": {Status: StatusSuccess, Attempts: 1},
		"https://example.com/jobs/2": {Status: StatusSuccess, Attempts: 2},
		"https://example.com/jobs/3": {Status: StatusFailed, Attempts: 3},
		"https://example.com/jobs/4": {Status: StatusPending},
		"https://example.com/jobs/5": {Status: StatusTransientFailure, Attempts: 1},
	})

	stats := store.Stats()
	assert.Equal(t, 2, stats[StatusSuccess])
	assert.Equal(t, 1, stats[StatusFailed])
	assert.Equal(t, 1, stats[StatusPending])
	assert.Equal(t, 1, stats[StatusTransientFailure])
}
