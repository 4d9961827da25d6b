package store

import (
	"database/sql"
	"fmt"

	"github.com/ishabanya/ARchitect-sub003/internal/logging"
)

// CurrentSchemaVersion is the schema the application expects. Older stores are
// brought forward by the migration engine (internal/migrate); same-version
// column additions are handled by runColumnMigrations below.
const CurrentSchemaVersion = "2.0"

// tableDDL is the full schema for a current-version store.
var tableDDL = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',
		relationships TEXT NOT NULL DEFAULT '[]',
		checksum TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_project ON records(project_id);
	CREATE INDEX IF NOT EXISTS idx_records_type ON records(entity_type);`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		type TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		checksum TEXT NOT NULL,
		app_version TEXT NOT NULL DEFAULT '',
		schema_version TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(project_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_project ON snapshots(project_id);`,

	`CREATE TABLE IF NOT EXISTS snapshot_sequence (
		project_id TEXT PRIMARY KEY,
		last_version INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS repair_history (
		id TEXT PRIMARY KEY,
		attempted INTEGER NOT NULL,
		repaired INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		automatic INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS schema_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);`,
}

// columnMigration adds a column that newer builds expect on an existing table.
// These are additive, same-schema-version upgrades; incompatible changes go
// through the migration engine instead.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

var pendingColumns = []columnMigration{
	// Author tagging was added to snapshots after the first release.
	{"snapshots", "author", "TEXT NOT NULL DEFAULT ''"},
	{"snapshots", "app_version", "TEXT NOT NULL DEFAULT ''"},
	// Per-record checksums arrived with the integrity checker.
	{"records", "checksum", "TEXT NOT NULL DEFAULT ''"},
}

// InitSchema creates all tables and applies pending column migrations.
// Exported for the migration engine, which builds target-version files from
// scratch.
func InitSchema(db *sql.DB) error {
	for _, ddl := range tableDDL {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return runColumnMigrations(db)
}

func runColumnMigrations(db *sql.DB) error {
	log := logging.Get(logging.CategoryStore)
	applied := 0
	for _, m := range pendingColumns {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form; don't fail open.
			log.Warnf("column migration %s.%s failed: %v", m.Table, m.Column, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		log.Infof("applied %d column migrations", applied)
	}
	return nil
}

// columnExists checks a table for a column using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks whether a table is present.
func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	return err == nil && count > 0
}

// SchemaVersion returns the store's recorded schema version. A store with no
// record is treated as version "1.0" (the pre-versioning layout).
func SchemaVersion(db *sql.DB) (string, error) {
	if !tableExists(db, "schema_versions") {
		return "1.0", nil
	}
	var version string
	err := db.QueryRow("SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return "1.0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// SetSchemaVersion records a new schema version.
func SetSchemaVersion(db *sql.DB, version, description string) error {
	createTable := `CREATE TABLE IF NOT EXISTS schema_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(createTable); err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}
	_, err := db.Exec(
		"INSERT INTO schema_versions (version, applied_at, description) VALUES (?, ?, ?)",
		version, nowRFC3339(), description,
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	logging.Get(logging.CategoryStore).Infof("schema version set to %s", version)
	return nil
}
