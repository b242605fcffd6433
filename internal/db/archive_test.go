package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{client: sqlDB, config: &Config{Table: "listings"}}, mock
}

func TestDB_AppendListings(t *testing.T) {
	d, mock := newMockDB(t)

	datePosted := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	dateFound := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	listings := []Listing{
		{
			ID:           "7f8d1a4e-0001-4a5b-9c3d-2e6f7a8b9c0d",
			URL:          "https://example.com/jobs/1",
			Title:        "Backend Engineer",
			Company:      "Acme",
			Location:     "Melbourne",
			Remote:       "Hybrid",
			MinSalary:    120000,
			MaxSalary:    150000,
			Description:  "Go services on PostgreSQL",
			DatePosted:   &datePosted,
			DateFound:    dateFound,
			Status:       "active",
			Technologies: []string{"Go", "PostgreSQL"},
		},
		{
			// Minimal record: ID, status and date_found fall back to defaults
			URL:       "https://example.com/jobs/2",
			Title:     "Data Engineer",
			DateFound: dateFound,
		},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO listings")
	prep.ExpectExec().
		WithArgs(
			"7f8d1a4e-0001-4a5b-9c3d-2e6f7a8b9c0d",
			"https://example.com/jobs/1",
			"Backend Engineer", "Acme", "Melbourne", "Hybrid",
			120000, 150000, "Go services on PostgreSQL",
			datePosted, dateFound, "active", nil,
			pq.Array([]string{"Go", "PostgreSQL"}),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Second listing collides on url, insert affects no rows
	prep.ExpectExec().
		WithArgs(
			sqlmock.AnyArg(),
			"https://example.com/jobs/2",
			"Data Engineer", "", "", "",
			0, 0, "",
			nil, dateFound, "active", nil, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := d.AppendListings(context.Background(), listings)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_AppendListingsEmpty(t *testing.T) {
	d, mock := newMockDB(t)

	inserted, err := d.AppendListings(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_AppendListingsInsertError(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO listings")
	prep.ExpectExec().
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := d.AppendListings(context.Background(), []Listing{
		{URL: "https://example.com/jobs/1", Title: "Backend Engineer"},
	})
	assert.ErrorContains(t, err, "failed to insert listing")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_GetColumnValues(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectQuery("SELECT url FROM listings WHERE url IS NOT NULL").
		WillReturnRows(sqlmock.NewRows([]string{"url"}).
			AddRow("https://example.com/jobs/1").
			AddRow("https://example.com/jobs/2"))

	values, err := d.GetColumnValues(context.Background(), "listings", "url")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/jobs/1", "https://example.com/jobs/2"}, values)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_GetColumnValuesRejectsBadIdentifiers(t *testing.T) {
	d, mock := newMockDB(t)

	_, err := d.GetColumnValues(context.Background(), "listings; --", "url")
	assert.ErrorContains(t, err, "invalid identifier")

	_, err = d.GetColumnValues(context.Background(), "listings", "url OR 1=1")
	assert.ErrorContains(t, err, "invalid identifier")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_QueryListings(t *testing.T) {
	d, mock := newMockDB(t)

	datePosted := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	dateFound := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	lastChecked := time.Date(2026, 8, 22, 7, 0, 0, 0, time.UTC)

	columns := []string{
		"id", "url", "title", "company", "location", "remote",
		"min_salary", "max_salary", "description", "date_posted",
		"date_found", "status", "last_checked", "technologies",
	}
	rows := sqlmock.NewRows(columns).
		AddRow(
			"id-1", "https://example.com/jobs/1", "Backend Engineer",
			"Acme", "Melbourne", "Hybrid", 120000, 150000,
			"Go services", datePosted, dateFound, "active", lastChecked,
			"{Go,PostgreSQL}",
		).
		AddRow(
			"id-2", "https://example.com/jobs/2", "Data Engineer",
			nil, nil, nil, 0, 0, nil, nil, dateFound, "active", nil, nil,
		)

	mock.ExpectQuery(`SELECT (.+) FROM listings WHERE status = \$1`).
		WithArgs("active").
		WillReturnRows(rows)

	listings, err := d.QueryListings(context.Background(), "status = $1", "active")
	require.NoError(t, err)
	require.Len(t, listings, 2)

	first := listings[0]
	assert.Equal(t, "Backend Engineer", first.Title)
	assert.Equal(t, "Acme", first.Company)
	assert.Equal(t, 150000, first.MaxSalary)
	require.NotNil(t, first.DatePosted)
	assert.Equal(t, datePosted, *first.DatePosted)
	require.NotNil(t, first.LastChecked)
	assert.Equal(t, []string{"Go", "PostgreSQL"}, []string(first.Technologies))

	// NULL columns come back as zero values
	second := listings[1]
	assert.Empty(t, second.Company)
	assert.Empty(t, second.Description)
	assert.Nil(t, second.DatePosted)
	assert.Nil(t, second.LastChecked)
	assert.Empty(t, second.Technologies)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_RowCount(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM listings`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := d.RowCount(context.Background(), "listings")
	require.NoError(t, err)
	assert.Equal(t, 42, count)

	_, err = d.RowCount(context.Background(), "not a table")
	assert.ErrorContains(t, err, "invalid table name")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_UpdateListingStatus(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectExec(`UPDATE listings SET status = \$1, last_checked = \$2 WHERE url = \$3`).
		WithArgs("inactive", sqlmock.AnyArg(), "https://example.com/jobs/1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.UpdateListingStatus(context.Background(), "https://example.com/jobs/1", "inactive")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_ApplyStatusUpdates(t *testing.T) {
	d, mock := newMockDB(t)

	checked := time.Date(2026, 8, 22, 7, 0, 0, 0, time.UTC)
	updates := []StatusUpdate{
		{URL: "https://example.com/jobs/1", Status: "inactive", LastChecked: checked},
		{URL: "https://example.com/jobs/unknown", Status: "inactive", LastChecked: checked},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE listings SET status")
	prep.ExpectExec().
		WithArgs("inactive", checked, "https://example.com/jobs/1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("inactive", checked, "https://example.com/jobs/unknown").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := d.ApplyStatusUpdates(context.Background(), updates)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_ApplyStatusUpdatesRollsBackOnError(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE listings SET status")
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := d.ApplyStatusUpdates(context.Background(), []StatusUpdate{
		{URL: "https://example.com/jobs/1", Status: "inactive", LastChecked: time.Now()},
	})
	assert.ErrorContains(t, err, "failed to update status")
	require.NoError(t, mock.ExpectationsWereMet())
}
