package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Listing status values tracked in the archive. New listings start active;
// maintenance demotes them once their URL stops resolving.
const (
	ListingStatusActive   = "active"
	ListingStatusInactive = "inactive"
)

// Listing represents one job listing row in the archive
type Listing struct {
	ID           string
	URL          string
	Title        string
	Company      string
	Location     string
	Remote       string
	MinSalary    int
	MaxSalary    int
	Description  string
	DatePosted   *time.Time
	DateFound    time.Time
	Status       string
	LastChecked  *time.Time
	Technologies []string
}

// StatusUpdate carries a pending status change for one archived listing
type StatusUpdate struct {
	URL         string
	Status      string
	LastChecked time.Time
}

// listingColumns is the canonical column order used by listing scans
const listingColumns = "id, url, title, company, location, remote, min_salary, max_salary, description, date_posted, date_found, status, last_checked, technologies"

// AppendListings inserts new listings into the archive, skipping any URL
// already present. It returns the number of rows actually inserted, so
// re-appending after an interrupted run never duplicates listings.
func (db *DB) AppendListings(ctx context.Context, listings []Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}

	tx, err := db.client.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (url) DO NOTHING
	`, db.config.Table, listingColumns))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare listing insert statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, l := range listings {
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.Status == "" {
			l.Status = ListingStatusActive
		}
		if l.DateFound.IsZero() {
			l.DateFound = time.Now().UTC()
		}

		res, err := stmt.ExecContext(ctx,
			l.ID, l.URL, l.Title, l.Company, l.Location, l.Remote,
			l.MinSalary, l.MaxSalary, l.Description, l.DatePosted,
			l.DateFound, l.Status, l.LastChecked, pq.Array(l.Technologies),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert listing %s: %w", l.URL, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit listing batch: %w", err)
	}

	log.Debug().
		Int("batch", len(listings)).
		Int("inserted", inserted).
		Msg("Archived listing batch")
	return inserted, nil
}

// GetColumnValues returns every non-NULL value of one text column
func (db *DB) GetColumnValues(ctx context.Context, table, column string) ([]string, error) {
	if !validIdentifier(table) || !validIdentifier(column) {
		return nil, fmt.Errorf("invalid identifier: %s.%s", table, column)
	}

	rows, err := db.client.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s IS NOT NULL`, column, table, column))
	if err != nil {
		return nil, fmt.Errorf("failed to read column %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan column value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// ArchivedURLs returns the URL of every listing already in the archive
func (db *DB) ArchivedURLs(ctx context.Context) ([]string, error) {
	return db.GetColumnValues(ctx, db.config.Table, "url")
}

// QueryListings returns archive rows matching the optional WHERE clause.
// The clause must use positional placeholders ($1, $2, ...).
func (db *DB) QueryListings(ctx context.Context, whereClause string, args ...any) ([]Listing, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", listingColumns, db.config.Table)
	if whereClause != "" {
		query += " WHERE " + whereClause
	}

	rows, err := db.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func scanListing(rows *sql.Rows) (Listing, error) {
	var l Listing
	var company, location, remote, description sql.NullString
	var datePosted, lastChecked sql.NullTime
	var technologies pq.StringArray

	err := rows.Scan(
		&l.ID, &l.URL, &l.Title, &company, &location, &remote,
		&l.MinSalary, &l.MaxSalary, &description, &datePosted,
		&l.DateFound, &l.Status, &lastChecked, &technologies,
	)
	if err != nil {
		return Listing{}, fmt.Errorf("failed to scan listing: %w", err)
	}

	l.Company = company.String
	l.Location = location.String
	l.Remote = remote.String
	l.Description = description.String
	if datePosted.Valid {
		t := datePosted.Time
		l.DatePosted = &t
	}
	if lastChecked.Valid {
		t := lastChecked.Time
		l.LastChecked = &t
	}
	l.Technologies = technologies
	return l, nil
}

// RowCount returns the number of rows in a table
func (db *DB) RowCount(ctx context.Context, table string) (int, error) {
	if !validIdentifier(table) {
		return 0, fmt.Errorf("invalid table name: %q", table)
	}

	var count int
	err := db.client.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// UpdateListingStatus sets the status of one archived listing and stamps
// last_checked
func (db *DB) UpdateListingStatus(ctx context.Context, url, status string) error {
	res, err := db.client.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, last_checked = $2 WHERE url = $3`, db.config.Table),
		status, time.Now().UTC(), url)
	if err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Warn().Str("url", url).Msg("Status update matched no archived listing")
	}
	return nil
}

// ApplyStatusUpdates applies a set of status changes in one transaction.
// Either every update lands or none do, so a half-processed event log can
// be replayed safely.
func (db *DB) ApplyStatusUpdates(ctx context.Context, updates []StatusUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := db.client.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, last_checked = $2 WHERE url = $3`, db.config.Table))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare status update statement: %w", err)
	}
	defer stmt.Close()

	applied := 0
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.Status, u.LastChecked, u.URL)
		if err != nil {
			return 0, fmt.Errorf("failed to update status for %s: %w", u.URL, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			applied++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit status updates: %w", err)
	}
	return applied, nil
}
