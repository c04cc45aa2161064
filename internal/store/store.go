// Package store persists batches, stage tasks, item tasks, and the
// cross-stage item mappings in a SQL database. PostgreSQL (lib/pq) is the
// production backend; SQLite (modernc) backs standalone mode and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store implements the mapping and task stores on database/sql
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and ensures the schema exists
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if driver == DriverSQLite {
		// One connection serializes writers; pragmas then apply to every statement.
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
			}
		}
	}

	s, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection and ensures the schema exists
func New(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	s := &Store{db: db, driver: driver}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for components sharing the database
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the database driver name
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		dataset_key TEXT NOT NULL,
		operations TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS stage_tasks (
		task_id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		dataset_key TEXT NOT NULL,
		operation TEXT NOT NULL,
		stage INTEGER NOT NULL,
		depends_on TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS stage_tasks_batch_idx ON stage_tasks (batch_id)`,
	`CREATE TABLE IF NOT EXISTS item_tasks (
		item_task_id TEXT PRIMARY KEY,
		item_key TEXT NOT NULL,
		source_stage_task_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		depends_on TEXT,
		predecessor_stage_task_id TEXT,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS item_tasks_source_idx ON item_tasks (source_stage_task_id)`,
	`CREATE TABLE IF NOT EXISTS mappings (
		stage_task_id TEXT NOT NULL,
		item_identity TEXT NOT NULL,
		item_task_id TEXT NOT NULL,
		PRIMARY KEY (stage_task_id, item_identity)
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the driver's native form
func (s *Store) rebind(query string) string {
	return Rebind(s.driver, query)
}

// Rebind rewrites ? placeholders to $n for PostgreSQL
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func scanUUID(value sql.NullString) (*uuid.UUID, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
