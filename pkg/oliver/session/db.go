// Package session owns per-contact conversational state: message history,
// extracted facts, running summaries, and lead classification. A single
// oliver.db SQLite file backs all of it, plus the identity mapping table
// and the pending delivery queue used by the resolver and the pipeline.
package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Contact sessions (one row per contact address per tenant).
CREATE TABLE IF NOT EXISTS sessions (
    id                  TEXT PRIMARY KEY,
    contact_address     TEXT NOT NULL,
    tenant              TEXT NOT NULL,
    short_summary       TEXT DEFAULT '',
    detailed_summary    TEXT DEFAULT '',
    facts               TEXT DEFAULT '{}',
    lead_stage          TEXT DEFAULT 'new',
    lead_temperature    TEXT DEFAULT 'cold',
    message_count       INTEGER DEFAULT 0,
    summarized_at_count INTEGER DEFAULT 0,
    nudge_count         INTEGER DEFAULT 0,
    first_seen_at       TEXT NOT NULL,
    last_seen_at        TEXT NOT NULL,
    UNIQUE(contact_address, tenant)
);

-- Conversation history (append-only, never mutated after insert).
CREATE TABLE IF NOT EXISTS history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    sentiment  TEXT DEFAULT '',
    source     TEXT DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_sid ON history(session_id, id);

-- Linked-identifier resolution results (one row per handle per scope).
CREATE TABLE IF NOT EXISTS identity_mappings (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    scope        TEXT NOT NULL,
    handle       TEXT NOT NULL,
    address      TEXT NOT NULL,
    display_name TEXT DEFAULT '',
    method       TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    UNIQUE(scope, handle)
);

-- Replies parked while their destination handle is still unresolved.
CREATE TABLE IF NOT EXISTS pending_deliveries (
    id           TEXT PRIMARY KEY,
    scope        TEXT NOT NULL,
    handle       TEXT NOT NULL,
    reply_text   TEXT NOT NULL,
    push_name    TEXT DEFAULT '',
    attempts     INTEGER DEFAULT 0,
    created_at   TEXT NOT NULL,
    delivered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_handle ON pending_deliveries(scope, handle);
`

// OpenDatabase opens (or creates) oliver.db at the given path. It enables
// WAL mode for concurrent reads and creates all tables.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/oliver.db"
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}
