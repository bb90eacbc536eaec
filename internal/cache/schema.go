package cache

import (
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
)

const currentSchemaVersion = 1

// Schema definitions
const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

const metaTable = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const entriesTable = `
CREATE TABLE IF NOT EXISTS entries (
	name TEXT PRIMARY KEY,
	cache_key TEXT UNIQUE NOT NULL,
	source_hash TEXT NOT NULL,
	source_size INTEGER NOT NULL,
	model TEXT NOT NULL,
	dimensions INTEGER NOT NULL,
	created_at TEXT DEFAULT (datetime('now'))
);
`

const manifestTable = `
CREATE TABLE IF NOT EXISTS manifest (
	position INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL
);
`

// initSchema initializes the database schema.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		log.Debug("Catalog schema is up to date", "version", version)
		return nil
	}

	log.Debug("Migrating catalog schema", "from", version, "to", currentSchemaVersion)

	if version < 1 {
		if err := migrateV1(db); err != nil {
			return fmt.Errorf("failed to migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateV1 creates the initial schema.
func migrateV1(db *sql.DB) error {
	tables := []string{metaTable, entriesTable, manifestTable}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
