package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Source types supported by the scraper registry
const (
	SourceTypeHTML = "html"
	SourceTypeAPI  = "api"
)

// Fetch defaults applied per source when sources.yaml leaves them unset
const (
	defaultRequestDelay           = 1 * time.Second
	defaultBatchDelay             = 2 * time.Second
	defaultMaxRetries             = 3
	defaultMaxConsecutiveFailures = 5
	defaultFetchTimeout           = 30 * time.Second
	defaultBacklogLimit           = 50
)

// Sources is the parsed sources.yaml, keyed by source name
type Sources struct {
	Sources map[string]SourceConfig `mapstructure:"sources"`
}

// SourceConfig describes one job site and how to scrape it
type SourceConfig struct {
	Name      string          `mapstructure:"-"`
	Type      string          `mapstructure:"type"`
	BaseURL   string          `mapstructure:"base_url"`
	CacheFile string          `mapstructure:"cache_file"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Detail    DetailConfig    `mapstructure:"detail"`
	API       APIConfig       `mapstructure:"api"`
}

// FetchConfig holds the politeness and reliability knobs for one source
type FetchConfig struct {
	RequestDelay           time.Duration `mapstructure:"request_delay"`
	BatchDelay             time.Duration `mapstructure:"batch_delay"`
	MaxRetries             int           `mapstructure:"max_retries"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	Timeout                time.Duration `mapstructure:"timeout"`
	BacklogLimit           int           `mapstructure:"backlog_limit"`
}

// DirectoryConfig drives the discovery phase of an HTML source.
// PageURL must contain a {page} placeholder.
type DirectoryConfig struct {
	PageURL      string `mapstructure:"page_url"`
	LinkSelector string `mapstructure:"link_selector"`
	LinkAttr     string `mapstructure:"link_attr"`
	StartPage    int    `mapstructure:"start_page"`
}

// DetailConfig maps canonical listing fields to CSS selectors on a
// listing detail page
type DetailConfig struct {
	Fields     map[string]FieldSelector `mapstructure:"fields"`
	DateLayout string                   `mapstructure:"date_layout"`
}

// FieldSelector extracts one field from a detail page. An empty Attr
// takes the element text.
type FieldSelector struct {
	Selector string `mapstructure:"selector"`
	Attr     string `mapstructure:"attr"`
}

// APIConfig drives a single-phase API source. Endpoint may contain
// {offset} and {limit} placeholders.
type APIConfig struct {
	Endpoint    string            `mapstructure:"endpoint"`
	Method      string            `mapstructure:"method"`
	RecordsPath string            `mapstructure:"records_path"`
	URLField    string            `mapstructure:"url_field"`
	Fields      map[string]string `mapstructure:"fields"`
	DateLayout  string            `mapstructure:"date_layout"`
}

// LoadSources reads and validates a sources.yaml file
func LoadSources(path string) (*Sources, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read sources config %s: %w", path, err)
	}

	var sources Sources
	if err := v.Unmarshal(&sources); err != nil {
		return nil, fmt.Errorf("failed to parse sources config %s: %w", path, err)
	}
	if len(sources.Sources) == 0 {
		return nil, fmt.Errorf("no sources defined in %s", path)
	}

	for name, sc := range sources.Sources {
		sc.Name = name
		applySourceDefaults(&sc)
		if err := validateSource(&sc); err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		sources.Sources[name] = sc
	}

	return &sources, nil
}

// Get returns the configuration for one source by name
func (s *Sources) Get(name string) (SourceConfig, bool) {
	sc, ok := s.Sources[name]
	return sc, ok
}

// Names returns all configured source names in sorted order
func (s *Sources) Names() []string {
	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func applySourceDefaults(sc *SourceConfig) {
	if sc.Type == "" {
		sc.Type = SourceTypeHTML
	}
	if sc.CacheFile == "" {
		sc.CacheFile = sc.Name + ".json"
	}
	if sc.Fetch.RequestDelay == 0 {
		sc.Fetch.RequestDelay = defaultRequestDelay
	}
	if sc.Fetch.BatchDelay == 0 {
		sc.Fetch.BatchDelay = defaultBatchDelay
	}
	if sc.Fetch.MaxRetries == 0 {
		sc.Fetch.MaxRetries = defaultMaxRetries
	}
	if sc.Fetch.MaxConsecutiveFailures == 0 {
		sc.Fetch.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if sc.Fetch.Timeout == 0 {
		sc.Fetch.Timeout = defaultFetchTimeout
	}
	if sc.Fetch.BacklogLimit == 0 {
		sc.Fetch.BacklogLimit = defaultBacklogLimit
	}
	if sc.Directory.LinkAttr == "" {
		sc.Directory.LinkAttr = "href"
	}
	if sc.Detail.DateLayout == "" {
		sc.Detail.DateLayout = "2006-01-02"
	}
	if sc.API.Method == "" {
		sc.API.Method = "GET"
	}
	if sc.API.DateLayout == "" {
		sc.API.DateLayout = "2006-01-02"
	}
}

func validateSource(sc *SourceConfig) error {
	if sc.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	switch sc.Type {
	case SourceTypeHTML:
		if sc.Directory.PageURL == "" {
			return fmt.Errorf("directory.page_url is required for html sources")
		}
		if !strings.Contains(sc.Directory.PageURL, "{page}") {
			return fmt.Errorf("directory.page_url must contain a {page} placeholder")
		}
		if sc.Directory.LinkSelector == "" {
			return fmt.Errorf("directory.link_selector is required for html sources")
		}
		if len(sc.Detail.Fields) == 0 {
			return fmt.Errorf("detail.fields must map at least one field for html sources")
		}
		if _, ok := sc.Detail.Fields["title"]; !ok {
			return fmt.Errorf("detail.fields must include a title selector")
		}
	case SourceTypeAPI:
		if sc.API.Endpoint == "" {
			return fmt.Errorf("api.endpoint is required for api sources")
		}
		if sc.API.URLField == "" {
			return fmt.Errorf("api.url_field is required for api sources")
		}
	default:
		return fmt.Errorf("unknown source type %q (expected html or api)", sc.Type)
	}

	return nil
}
