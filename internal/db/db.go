// Package db opens the shiftd SQLite database and keeps its schema current.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

type migration struct {
	name string
	ddl  string
}

// migrations run in order; PRAGMA user_version counts the applied ones.
// Append only.
var migrations = []migration{
	{
		// One row per apply, apply failure, mode/backend/period change.
		// tick_id groups the rows produced by the same control cycle.
		name: "event_ledger",
		ddl: `
			CREATE TABLE IF NOT EXISTS event_ledger (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				tick_id TEXT,
				source TEXT,
				payload TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
			CREATE INDEX IF NOT EXISTS idx_ledger_tick ON event_ledger(tick_id);
		`,
	},
	{
		name: "geocache",
		ddl: `
			CREATE TABLE IF NOT EXISTS geocache (
				query TEXT PRIMARY KEY,
				display_name TEXT NOT NULL,
				latitude REAL NOT NULL,
				longitude REAL NOT NULL,
				created_at INTEGER NOT NULL
			);
		`,
	},
	{
		name: "resource_state",
		ddl: `
			CREATE TABLE IF NOT EXISTS resource_state (
				kind TEXT NOT NULL,
				id TEXT NOT NULL,
				payload TEXT NOT NULL,
				version INTEGER DEFAULT 1,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (kind, id)
			);
		`,
	},
	{
		name: "geocache_timezone",
		ddl:  `ALTER TABLE geocache ADD COLUMN timezone TEXT NOT NULL DEFAULT ''`,
	},
}

// SchemaVersion is the user_version of a fully migrated database.
var SchemaVersion = len(migrations)

// Open opens the database at dbPath and applies pending migrations.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	current, err := userVersion(db)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		m := migrations[i]
		if err := apply(db, i+1, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		log.Debug().Int("version", i+1).Str("migration", m.name).Msg("Applied schema migration")
	}
	return nil
}

func apply(db *sql.DB, version int, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.ddl); err != nil {
		return err
	}
	// PRAGMA does not take bound parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Version returns the schema version of the open database.
func (db *DB) Version() (int, error) {
	return userVersion(db.DB)
}
