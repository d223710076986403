// Package store persists tasks and notes in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"investi/internal/logging"
)

// SQLiteStore is the durable backing store for the engine. One process owns
// the database file; WAL mode keeps reader and writer cycles from blocking
// each other.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (or creates) the database at path. Pass ":memory:" for an
// ephemeral store in tests.
func Open(path string, logger logging.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite driver serializes access per connection; a single
	// connection keeps the in-memory database from vanishing between
	// pool checkouts and sidesteps SQLITE_BUSY under write contention.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logging.OrNop(logger)}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner_agent TEXT NOT NULL,
		instruction TEXT NOT NULL,
		ticker TEXT NOT NULL DEFAULT '',
		trigger TEXT NOT NULL,              -- JSON trigger union
		status TEXT NOT NULL DEFAULT 'pending',
		linked_notes TEXT,                  -- JSON array of note ids
		linked_tasks TEXT,                  -- JSON array of task ids
		due_at TEXT,
		created_at TEXT NOT NULL,
		last_evaluated_at TEXT,
		fired_at TEXT,
		last_condition_state INTEGER NOT NULL DEFAULT 0,
		metric_misses INTEGER NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0,
		occurrences INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		ticker TEXT NOT NULL DEFAULT '',
		author_agent TEXT NOT NULL,
		content TEXT NOT NULL,
		linked_notes TEXT,                  -- JSON array of note ids
		linked_tasks TEXT,                  -- JSON array of task ids
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS note_links (
		note_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (note_id, task_id),
		FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_ticker ON tasks(ticker);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_at);
	CREATE INDEX IF NOT EXISTS idx_notes_topic ON notes(topic);
	CREATE INDEX IF NOT EXISTS idx_notes_ticker ON notes(ticker);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
