// Package filter narrows archived listings down to the ones worth reading.
// A SQL pre-filter runs database-side; the remaining stages run in memory
// over the exported rows, reporting how many listings survive each step.
package filter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jobscout-io/scout/internal/config"
	"github.com/jobscout-io/scout/internal/db"
	"github.com/jobscout-io/scout/internal/util"
)

// filterableColumns are the listing columns the in-memory stages may
// target. Numeric and timestamp columns belong in the SQL pre-filter.
var filterableColumns = map[string]bool{
	"url":          true,
	"title":        true,
	"company":      true,
	"location":     true,
	"remote":       true,
	"description":  true,
	"status":       true,
	"technologies": true,
}

// Pipeline applies the configured filter stages in order.
type Pipeline struct {
	config *config.Filters
	active *ActiveChecker
}

// Stage records how many listings survived one filter step.
type Stage struct {
	Name      string
	Remaining int
}

// Result is the outcome of one pipeline run.
type Result struct {
	Listings []db.Listing
	Stages   []Stage
}

func (r *Result) record(name string, remaining int) {
	r.Stages = append(r.Stages, Stage{Name: name, Remaining: remaining})
	log.Info().Str("stage", name).Int("remaining", remaining).Msg("Filter stage applied")
}

// New builds a pipeline from the filter configuration. The active checker
// is optional; without one the active check stage is skipped even when
// enabled in configuration.
func New(cfg *config.Filters, active *ActiveChecker) (*Pipeline, error) {
	if kw := cfg.KeywordFilters; len(kw.RequiredKeywords) > 0 && !filterableColumns[kw.DescriptionColumn] {
		return nil, fmt.Errorf("keyword filter column %q is not filterable", kw.DescriptionColumn)
	}
	for _, rf := range cfg.RedFlags {
		if !filterableColumns[rf.Column] {
			return nil, fmt.Errorf("red flag column %q is not filterable", rf.Column)
		}
	}
	if cfg.Clearance.ExcludeRequired && !filterableColumns[cfg.Clearance.DescriptionColumn] {
		return nil, fmt.Errorf("clearance column %q is not filterable", cfg.Clearance.DescriptionColumn)
	}

	return &Pipeline{config: cfg, active: active}, nil
}

// BuildWhereClause renders the sql_filters section as a WHERE clause with
// positional placeholders, for pushing down into the archive query. An
// empty clause means no database-side filtering is configured.
func (p *Pipeline) BuildWhereClause() (string, []any) {
	sqlf := p.config.SQLFilters

	var conditions []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	// Zero disables the salary floor; listings without a parsed salary
	// (max_salary = 0) always pass it.
	if sqlf.MinSalary > 0 {
		conditions = append(conditions, fmt.Sprintf("(max_salary >= %s OR max_salary = 0)", next(sqlf.MinSalary)))
	}

	if sqlf.MaxAgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -sqlf.MaxAgeDays)
		conditions = append(conditions, fmt.Sprintf("(date_posted >= %s)", next(cutoff)))
	}

	var locations []string
	if len(sqlf.OnsiteLocations) > 0 {
		var likes []string
		for _, loc := range sqlf.OnsiteLocations {
			likes = append(likes, fmt.Sprintf("location LIKE %s", next("%"+loc+"%")))
		}
		locations = append(locations, "("+strings.Join(likes, " OR ")+")")
	}
	if len(sqlf.HybridLocations) > 0 {
		var likes []string
		for _, loc := range sqlf.HybridLocations {
			likes = append(likes, fmt.Sprintf("location LIKE %s", next("%"+loc+"%")))
		}
		locations = append(locations, fmt.Sprintf("((%s) AND remote = 'Hybrid')", strings.Join(likes, " OR ")))
	}
	if sqlf.IncludeRemote {
		locations = append(locations, "(remote = 'Yes')")
	}
	if len(locations) > 0 {
		conditions = append(conditions, "("+strings.Join(locations, " OR ")+")")
	}

	if sqlf.StatusFilter != "" {
		conditions = append(conditions, fmt.Sprintf("(status = %s OR status IS NULL)", next(sqlf.StatusFilter)))
	}

	return strings.Join(conditions, " AND "), args
}

// Apply runs the in-memory stages over the exported rows. On an active
// check failure the listings that survived the earlier stages are returned
// with the error.
func (p *Pipeline) Apply(ctx context.Context, listings []db.Listing) (*Result, error) {
	result := &Result{}
	initial := len(listings)
	result.record("archive", initial)

	if kw := p.config.KeywordFilters; len(kw.RequiredKeywords) > 0 {
		listings = keep(listings, func(l db.Listing) bool {
			return containsAnyFold(columnValue(l, kw.DescriptionColumn), kw.RequiredKeywords)
		})
		result.record("required_keywords", len(listings))
	}

	for _, rf := range p.config.RedFlags {
		flags := rf.Flags
		column := rf.Column
		listings = keep(listings, func(l db.Listing) bool {
			return !containsAny(columnValue(l, column), flags)
		})
		result.record(rf.OutColumn, len(listings))
	}

	if cl := p.config.Clearance; cl.ExcludeRequired {
		listings = keep(listings, func(l db.Listing) bool {
			return !util.KeywordBetweenDelimiters(
				columnValue(l, cl.DescriptionColumn), "clearance",
				cl.StartDelimiter, cl.EndDelimiter)
		})
		result.record("clearance", len(listings))
	}

	if p.config.ActiveCheck.Enabled && p.active != nil {
		alive, err := p.active.Prune(ctx, listings)
		listings = alive
		result.record("active", len(listings))
		if err != nil {
			result.Listings = listings
			return result, err
		}
	}

	result.Listings = listings
	removed := initial - len(listings)
	logEvent := log.Info().Int("removed", removed).Int("remaining", len(listings))
	if initial > 0 {
		logEvent = logEvent.Str("removed_pct", fmt.Sprintf("%.1f%%", float64(removed)/float64(initial)*100))
	}
	logEvent.Msg("Filter pipeline finished")

	return result, nil
}

// keep returns the listings the predicate accepts, preserving order.
func keep(listings []db.Listing, pred func(db.Listing) bool) []db.Listing {
	var kept []db.Listing
	for _, l := range listings {
		if pred(l) {
			kept = append(kept, l)
		}
	}
	return kept
}

// columnValue reads one filterable column off a listing as text.
func columnValue(l db.Listing, column string) string {
	switch column {
	case "url":
		return l.URL
	case "title":
		return l.Title
	case "company":
		return l.Company
	case "location":
		return l.Location
	case "remote":
		return l.Remote
	case "description":
		return l.Description
	case "status":
		return l.Status
	case "technologies":
		return strings.Join(l.Technologies, ", ")
	default:
		return ""
	}
}

// containsAnyFold reports whether text mentions any keyword,
// case-insensitively.
func containsAnyFold(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// containsAny reports whether text mentions any term exactly. Red flag
// terms match case-sensitively, so "Manager" does not flag "manage".
func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
