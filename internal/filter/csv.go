package filter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jobscout-io/scout/internal/db"
)

// csvHeader matches the canonical listing schema, with the archive's own
// bookkeeping columns appended.
var csvHeader = []string{
	"url", "title", "company", "location", "remote",
	"min_salary", "max_salary", "description",
	"date_posted", "date_found", "status", "technologies",
}

// WriteCSV renders filtered listings as CSV for reading outside the tool.
func WriteCSV(w io.Writer, listings []db.Listing) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, l := range listings {
		datePosted := ""
		if l.DatePosted != nil {
			datePosted = l.DatePosted.Format("2006-01-02")
		}
		row := []string{
			l.URL,
			l.Title,
			l.Company,
			l.Location,
			l.Remote,
			strconv.Itoa(l.MinSalary),
			strconv.Itoa(l.MaxSalary),
			l.Description,
			datePosted,
			l.DateFound.Format(time.RFC3339),
			l.Status,
			strings.Join(l.Technologies, "; "),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", l.URL, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
