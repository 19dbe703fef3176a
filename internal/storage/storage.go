// Package storage provides the durable sqlite store shared by the memory
// and pattern layers. The database is the system of record; the similarity
// index is derived from it and rebuilt at startup.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrCorrupt indicates store corruption detected at startup. This is fatal:
// the process refuses to run until the store is repaired or reset.
var ErrCorrupt = errors.New("store corruption detected")

// DB wraps the database connection.
type DB struct {
	*sqlx.DB
	path string
}

// Open opens or creates the database under the given data directory,
// verifies integrity, and applies the schema.
func Open(dataDir string) (*DB, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, "dialectd.db")
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{DB: db, path: path}

	if err := d.checkIntegrity(); err != nil {
		db.Close()
		return nil, err
	}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// checkIntegrity runs sqlite's quick_check and maps any problem to
// ErrCorrupt so startup can abort with a diagnostic.
func (d *DB) checkIntegrity() error {
	var result string
	if err := d.Get(&result, "PRAGMA quick_check(1)"); err != nil {
		return fmt.Errorf("%w: quick_check failed: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// migrate applies the schema.
func (d *DB) migrate() error {
	migrations := []string{
		migrationMemories,
		migrationPatterns,
		migrationPublishes,
		migrationIndexes,
	}
	for _, m := range migrations {
		if _, err := d.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationMemories = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    tool_name TEXT NOT NULL,
    input TEXT,
    output TEXT,
    content_hash TEXT NOT NULL,
    keys_json TEXT NOT NULL,
    embedding_json TEXT,
    tier TEXT NOT NULL DEFAULT 'working',
    reinforced_at TIMESTAMP NOT NULL,
    expired BOOLEAN NOT NULL DEFAULT 0,
    pattern_id TEXT
);
`

const migrationPatterns = `
CREATE TABLE IF NOT EXISTS patterns (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    statement TEXT NOT NULL DEFAULT '',
    evidence_count INTEGER NOT NULL DEFAULT 0,
    contradiction_count INTEGER NOT NULL DEFAULT 0,
    unresolved_json TEXT NOT NULL DEFAULT '[]',
    version INTEGER NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    centroid_json TEXT,
    majority_keys_json TEXT NOT NULL DEFAULT '[]',
    scope_json TEXT NOT NULL DEFAULT '[]',
    published_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    last_evidence_at TIMESTAMP NOT NULL
);
`

const migrationPublishes = `
CREATE TABLE IF NOT EXISTS publishes (
    pattern_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    hash TEXT NOT NULL,
    published_at TIMESTAMP NOT NULL,
    PRIMARY KEY (pattern_id, version)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(session_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(tier) WHERE expired = 0;
CREATE INDEX IF NOT EXISTS idx_memories_pattern ON memories(pattern_id);
CREATE INDEX IF NOT EXISTS idx_patterns_state ON patterns(state);
`
