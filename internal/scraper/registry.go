package scraper

import (
	"fmt"
	"path/filepath"

	"github.com/jobscout-io/scout/internal/cache"
	"github.com/jobscout-io/scout/internal/config"
	"github.com/jobscout-io/scout/internal/crawler"
	"github.com/jobscout-io/scout/internal/techdetect"
)

// NewSource builds the fetch strategy a source's configured type calls for.
// The mapping from type to constructor is deliberately explicit; sources
// are registered here, not discovered.
func NewSource(cfg config.SourceConfig, schema *config.Schema, store *cache.Store, fetcher *crawler.Fetcher, detector *techdetect.Detector) (Source, error) {
	switch cfg.Type {
	case config.SourceTypeHTML:
		return NewSiteScraper(cfg, schema, store, fetcher, detector)
	case config.SourceTypeAPI:
		return NewAPIScraper(cfg, schema, store, fetcher), nil
	default:
		return nil, fmt.Errorf("unknown source type %q for %s", cfg.Type, cfg.Name)
	}
}

// FromConfig assembles everything one crawl run needs: the cache store
// under cacheDir, a fetcher tuned by the source's fetch settings, the
// strategy for its type, and the orchestrator driving them. A nil schema
// falls back to the built-in canonical fields.
func FromConfig(cfg config.SourceConfig, schema *config.Schema, cacheDir string, archive Archiver, detector *techdetect.Detector) (*Orchestrator, error) {
	store, err := cache.NewStore(filepath.Join(cacheDir, cfg.CacheFile))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	fetchConfig := crawler.DefaultConfig()
	fetchConfig.MaxConsecutiveFailures = cfg.Fetch.MaxConsecutiveFailures
	fetchConfig.RequestDelay = cfg.Fetch.RequestDelay
	fetchConfig.MaxRetries = cfg.Fetch.MaxRetries
	fetchConfig.Timeout = cfg.Fetch.Timeout

	fetcher, err := crawler.NewFetcher(fetchConfig)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	source, err := NewSource(cfg, schema, store, fetcher, detector)
	if err != nil {
		return nil, err
	}

	return NewOrchestrator(source, store, archive, cfg.Fetch.BatchDelay), nil
}
