package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Filters is the parsed filters.yaml controlling the listing filter pipeline
type Filters struct {
	SQLFilters     SQLFilters        `mapstructure:"sql_filters"`
	KeywordFilters KeywordFilters    `mapstructure:"keyword_filters"`
	RedFlags       []RedFlagFilter   `mapstructure:"red_flags"`
	Clearance      ClearanceFilter   `mapstructure:"clearance"`
	ActiveCheck    ActiveCheckConfig `mapstructure:"active_check"`
}

// SQLFilters are pushed down into the archive query itself
type SQLFilters struct {
	MinSalary       int      `mapstructure:"min_salary"`
	MaxAgeDays      int      `mapstructure:"max_age_days"`
	OnsiteLocations []string `mapstructure:"onsite_locations"`
	HybridLocations []string `mapstructure:"hybrid_locations"`
	IncludeRemote   bool     `mapstructure:"remote"`
	StatusFilter    string   `mapstructure:"status_filter"`
}

// KeywordFilters keeps only listings whose description mentions at
// least one required keyword
type KeywordFilters struct {
	RequiredKeywords  []string `mapstructure:"required_keywords"`
	DescriptionColumn string   `mapstructure:"description_column"`
}

// RedFlagFilter annotates listings whose column mentions any flag term.
// The result lands in OutColumn, defaulting to <column>_OK.
type RedFlagFilter struct {
	Column    string   `mapstructure:"column"`
	Flags     []string `mapstructure:"flags"`
	OutColumn string   `mapstructure:"out_column"`
}

// ClearanceFilter drops listings that require a security clearance,
// detected as the word "clearance" between the configured delimiters
// alongside a requirement keyword
type ClearanceFilter struct {
	ExcludeRequired   bool   `mapstructure:"exclude_required"`
	DescriptionColumn string `mapstructure:"description_column"`
	StartDelimiter    string `mapstructure:"start_delimiter"`
	EndDelimiter      string `mapstructure:"end_delimiter"`
}

// ActiveCheckConfig re-fetches each listing URL to verify it still
// resolves without redirecting away
type ActiveCheckConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	URLColumn string `mapstructure:"url_column"`
}

// LoadFilters reads and validates a filters.yaml file
func LoadFilters(path string) (*Filters, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read filters config %s: %w", path, err)
	}

	var filters Filters
	if err := v.Unmarshal(&filters); err != nil {
		return nil, fmt.Errorf("failed to parse filters config %s: %w", path, err)
	}

	applyFilterDefaults(&filters)

	for i, rf := range filters.RedFlags {
		if rf.Column == "" {
			return nil, fmt.Errorf("red_flags[%d]: column is required", i)
		}
		if len(rf.Flags) == 0 {
			return nil, fmt.Errorf("red_flags[%d]: at least one flag term is required", i)
		}
	}

	return &filters, nil
}

func applyFilterDefaults(f *Filters) {
	if f.KeywordFilters.DescriptionColumn == "" {
		f.KeywordFilters.DescriptionColumn = "description"
	}
	if f.Clearance.DescriptionColumn == "" {
		f.Clearance.DescriptionColumn = "description"
	}
	if f.Clearance.StartDelimiter == "" {
		f.Clearance.StartDelimiter = "."
	}
	if f.Clearance.EndDelimiter == "" {
		f.Clearance.EndDelimiter = "."
	}
	if f.ActiveCheck.URLColumn == "" {
		f.ActiveCheck.URLColumn = "url"
	}
	for i, rf := range f.RedFlags {
		if rf.OutColumn == "" {
			f.RedFlags[i].OutColumn = rf.Column + "_OK"
		}
	}
}
