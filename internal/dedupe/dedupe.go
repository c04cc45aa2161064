package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SakethKoona/distributed-dataset-processor/internal/store"
)

// Tracker counts deliveries of stage tasks so redeliveries can be spotted
type Tracker struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewTracker creates a new dedupe tracker on db. driver is store.DriverPostgres
// or store.DriverSQLite.
func NewTracker(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tracker := &Tracker{db: db, driver: driver, logger: logger}

	if err := tracker.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}

	return tracker, nil
}

// ensureTable creates the process_dedupe table if it doesn't exist
func (t *Tracker) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS process_dedupe (
			stage_task_id TEXT PRIMARY KEY,
			stage INTEGER NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			seen_count INTEGER NOT NULL DEFAULT 1
		)
	`

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create process_dedupe table: %w", err)
	}

	t.logger.Debug("process_dedupe table ready")
	return nil
}

// Record records a delivery of a stage task and returns its seen count
func (t *Tracker) Record(ctx context.Context, stageTaskID string, stage int) (int, error) {
	// Upsert: increment seen_count if exists, insert if not
	query := store.Rebind(t.driver, `
		INSERT INTO process_dedupe (stage_task_id, stage, first_seen_at, last_seen_at, seen_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (stage_task_id) DO UPDATE
		SET last_seen_at = excluded.last_seen_at,
		    seen_count = process_dedupe.seen_count + 1
		RETURNING seen_count
	`)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var seenCount int
	err := t.db.QueryRowContext(ctx, query, stageTaskID, stage, now, now).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record dedupe: %w", err)
	}

	return seenCount, nil
}

// GetSeenCount retrieves the seen count for a stage task
func (t *Tracker) GetSeenCount(ctx context.Context, stageTaskID string) (int, error) {
	query := store.Rebind(t.driver, `SELECT seen_count FROM process_dedupe WHERE stage_task_id = ?`)

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, stageTaskID).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
