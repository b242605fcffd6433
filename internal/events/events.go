// Package events carries listing status changes from the filter pipeline
// to the archive as JSON Lines log files. The pipeline produces events
// because it is not allowed to write to the archive itself; maintenance
// consumes them and owns the database update.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/jobscout-io/scout/internal/db"
)

const (
	// ActiveLogName holds events not yet applied to the archive.
	ActiveLogName = "listing_became_inactive.txt"
	// ProcessedLogName archives events after they have been applied.
	ProcessedLogName = "listing_became_inactive_processed.txt"
)

// Event records one listing status change, one JSON object per line.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
}

// Producer appends inactive-listing events to the active log.
type Producer struct {
	mu     sync.Mutex
	logDir string
}

// NewProducer creates a producer writing under logDir. The directory is
// created on first use.
func NewProducer(logDir string) *Producer {
	return &Producer{logDir: logDir}
}

// LogInactiveEvent appends one status-change event to the active log.
func (p *Producer) LogInactiveEvent(url, oldStatus, newStatus string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", p.logDir, err)
	}

	event := Event{
		Timestamp: time.Now().UTC(),
		URL:       url,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(p.logDir, ActiveLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	log.Debug().
		Str("url", url).
		Str("old_status", oldStatus).
		Str("new_status", newStatus).
		Msg("Logged inactive event")
	return nil
}

// StatusApplier is the slice of the archive layer maintenance needs.
type StatusApplier interface {
	ApplyStatusUpdates(ctx context.Context, updates []db.StatusUpdate) (int, error)
}

// ProcessInactiveEvents applies every event in the active log to the
// archive in one transaction, appends them to the processed log, and
// rewrites the active log keeping only malformed lines for review.
// Returns the number of events processed. Safe to re-run: a crash between
// the database commit and the log rewrite replays idempotent updates.
func ProcessInactiveEvents(ctx context.Context, archive StatusApplier, logDir string) (int, error) {
	activePath := filepath.Join(logDir, ActiveLogName)

	raw, err := os.ReadFile(activePath)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", activePath).Msg("No active event log")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read event log: %w", err)
	}

	var events []Event
	var malformed []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var event Event
		if uerr := json.Unmarshal([]byte(line), &event); uerr != nil {
			log.Warn().Str("line", line).Err(uerr).Msg("Skipping malformed event")
			malformed = append(malformed, line)
			continue
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		log.Debug().Int("malformed", len(malformed)).Msg("No valid events to process")
		return 0, nil
	}

	updates := make([]db.StatusUpdate, 0, len(events))
	for _, event := range events {
		updates = append(updates, db.StatusUpdate{
			URL:         event.URL,
			Status:      event.NewStatus,
			LastChecked: event.Timestamp,
		})
	}

	applied, err := archive.ApplyStatusUpdates(ctx, updates)
	if err != nil {
		return 0, fmt.Errorf("failed to apply %d status updates: %w", len(updates), err)
	}

	if aerr := archiveProcessed(logDir, events, malformed); aerr != nil {
		// The database work is committed; the events stay in the active
		// log and replay harmlessly next run.
		log.Warn().Err(aerr).Msg("Events applied but log archival failed")
		sentry.CaptureException(aerr)
	}

	log.Info().
		Int("events", len(events)).
		Int("rows_updated", applied).
		Int("malformed", len(malformed)).
		Msg("Processed inactive events")

	return len(events), nil
}

// archiveProcessed moves applied events to the processed log and leaves
// only the malformed lines in the active log.
func archiveProcessed(logDir string, events []Event, malformed []string) error {
	f, err := os.OpenFile(filepath.Join(logDir, ProcessedLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open processed log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append processed event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush processed log: %w", err)
	}

	var retained []byte
	for _, line := range malformed {
		retained = append(retained, line...)
		retained = append(retained, '\n')
	}
	if err := os.WriteFile(filepath.Join(logDir, ActiveLogName), retained, 0o644); err != nil {
		return fmt.Errorf("failed to rewrite active log: %w", err)
	}
	return nil
}
