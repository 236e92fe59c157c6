// Package store is the durable SQLite layer: documents, chunk-set
// idempotency claims, the L2 content cache, crawl sessions, operation
// records, and dead letters.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// Store wraps the SQLite database. It is safe for concurrent use; the
// connection pool is capped at a single writer to avoid lock
// contention under WAL.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the database at path. An empty path opens an
// in-memory database for testing.
func New(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, sifterrors.StoreError(fmt.Sprintf("create store directory %s", filepath.Dir(path)), err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, sifterrors.StoreError("open database", err)
	}

	// Single writer prevents SQLITE_BUSY storms under concurrent workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA, modernc.org/sqlite ignores DSN params.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = OFF",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, sifterrors.StoreError("set pragma", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS documents (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	url           TEXT NOT NULL,
	content       TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	content_type  TEXT NOT NULL DEFAULT '',
	session_id    TEXT,
	scraped_at    INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	UNIQUE(url, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_documents_session ON documents(session_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);

CREATE TABLE IF NOT EXISTS chunk_sets (
	session_id    TEXT NOT NULL,
	url           TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	chunk_count   INTEGER NOT NULL DEFAULT 0,
	indexed_at    INTEGER NOT NULL,
	PRIMARY KEY (session_id, url, content_hash)
);

CREATE TABLE IF NOT EXISTS content_cache (
	tier          TEXT NOT NULL,
	url           TEXT NOT NULL,
	value         TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tier, url)
);

CREATE TABLE IF NOT EXISTS crawl_sessions (
	session_id        TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	started_at        INTEGER NOT NULL,
	completed_at      INTEGER,
	total_items       INTEGER NOT NULL DEFAULT 0,
	items_indexed     INTEGER NOT NULL DEFAULT 0,
	items_failed      INTEGER NOT NULL DEFAULT 0,
	total_duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS operations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	op          TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	success     INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return sifterrors.StoreError("initialize schema", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
