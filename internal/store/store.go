// Package store persists everything the client keeps on disk in one SQLite
// database: encrypted protocol records, the recipient table, account state,
// storage-sync bookkeeping and the job queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS record (
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (kind, name, device_id)
);
CREATE TABLE IF NOT EXISTS recipient (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	e164 TEXT UNIQUE,
	aci TEXT UNIQUE,
	registered INTEGER NOT NULL DEFAULT 0,
	system_contact INTEGER NOT NULL DEFAULT 0,
	given_name TEXT NOT NULL DEFAULT '',
	family_name TEXT NOT NULL DEFAULT '',
	profile_key BLOB,
	username TEXT NOT NULL DEFAULT '',
	identity_key BLOB,
	identity_state INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	profile_sharing INTEGER NOT NULL DEFAULT 0,
	nickname TEXT NOT NULL DEFAULT '',
	storage_key BLOB UNIQUE,
	storage_pending INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS thread (
	recipient_id INTEGER PRIMARY KEY REFERENCES recipient(id)
);
CREATE TABLE IF NOT EXISTS group_v1 (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id BLOB NOT NULL UNIQUE,
	blocked INTEGER NOT NULL DEFAULT 0,
	profile_sharing INTEGER NOT NULL DEFAULT 0,
	storage_key BLOB UNIQUE
);
CREATE TABLE IF NOT EXISTS storage_unknown (
	storage_key BLOB PRIMARY KEY,
	type INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS job (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload BLOB,
	created_at INTEGER NOT NULL
);
`

// DefaultDataDir returns the default data directory for databases.
// Uses $XDG_DATA_HOME/signal-state, falling back to ~/.local/share/signal-state.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "signal-state")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/signal-state/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies schema changes to databases created by older builds.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec("ALTER TABLE recipient ADD COLUMN nickname TEXT NOT NULL DEFAULT ''")
	if err != nil && !isColumnExistsError(err) {
		return fmt.Errorf("add nickname column: %w", err)
	}
	return nil
}

// isColumnExistsError checks if the error is due to column already existing.
func isColumnExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
