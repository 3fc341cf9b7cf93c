// Package store is the SQLite-backed repository for conversations,
// record collections, documents, and background jobs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database. All public methods are safe for
// concurrent use; the connection pool is limited to a single connection
// so SQLite serializes access instead of returning "database is locked".
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the tally database in dataDir and applies the
// schema. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "tally.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps claim transactions strictly serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id                  TEXT PRIMARY KEY,
		status              TEXT NOT NULL,
		last_error          TEXT NOT NULL DEFAULT '',
		context_fingerprint TEXT NOT NULL DEFAULT '',
		messages_json       TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS collections (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		version     INTEGER NOT NULL DEFAULT 1,
		fields_json TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		FOREIGN KEY (collection_id) REFERENCES collections(id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id);

	CREATE TABLE IF NOT EXISTS document_versions (
		id                  TEXT PRIMARY KEY,
		document_id         TEXT NOT NULL,
		version             INTEGER NOT NULL,
		fields_json         TEXT NOT NULL,
		origin_tool_call_id TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		UNIQUE (document_id, version),
		UNIQUE (origin_tool_call_id),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS background_jobs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status       TEXT NOT NULL,
		enqueued_at  TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		error        TEXT,
		CHECK (status IN ('enqueued', 'processing', 'succeeded', 'failed'))
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_enqueued ON background_jobs(status, enqueued_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7. V7 IDs sort by creation time, which
// makes them a stable tiebreaker for FIFO ordering.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
