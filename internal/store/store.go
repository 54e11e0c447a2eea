// Package store persists checkpoints and attack runs in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"hotflip/internal/logging"
)

var (
	// ErrCheckpointNotFound is returned when no checkpoint has the requested name.
	ErrCheckpointNotFound = errors.New("store: checkpoint not found")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("store: run not found")
	// ErrRunIncomplete is returned when a run's stored batches do not cover every example.
	ErrRunIncomplete = errors.New("store: run incomplete")
	// ErrRunMismatch is returned when a resumed run would attack different data.
	ErrRunMismatch = errors.New("store: run does not match the data")
)

// Store wraps the database handle.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open creates or opens the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Opened store at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	checkpointTables := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tensors (
		checkpoint TEXT NOT NULL REFERENCES checkpoints(name) ON DELETE CASCADE,
		name TEXT NOT NULL,
		rows INTEGER NOT NULL,
		cols INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (checkpoint, name)
	);
	`

	runTables := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		checkpoint TEXT NOT NULL,
		options TEXT NOT NULL,
		examples INTEGER NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		summary TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_batches (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		batch_index INTEGER NOT NULL,
		start_row INTEGER NOT NULL,
		row_count INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (run_id, batch_index)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	for _, ddl := range []string{"PRAGMA foreign_keys = ON;", checkpointTables, runTables} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return runMigrations(s.db)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Stats returns the row count of every table.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"checkpoints", "tensors", "runs", "run_batches"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
