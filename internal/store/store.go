// Package store implements the storage engine: the single source of truth for
// the durable object graph. It hands out isolated working contexts, commits
// grouped mutations atomically, and publishes every applied commit on a typed
// bus so version history and the remote-sync collaborator observe changes
// uniformly regardless of origin.
//
// The durable form is one SQLite file (WAL mode, so the file triplet
// <db>, <db>-wal, <db>-shm moves as a unit during backup and migration).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ishabanya/ARchitect-sub003/internal/checksum"
	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// Options configures an Engine.
type Options struct {
	// Path of the sqlite database file. ":memory:" is allowed in tests.
	Path string

	// MergePolicy for conflicting concurrent updates. Defaults to
	// last-write-wins per field.
	MergePolicy types.MergePolicy

	// BusyTimeout for sqlite locks.
	BusyTimeout time.Duration
}

// Engine owns the durable object graph. Construct one per process with Open
// and pass it by reference to consumers; there is no shared singleton.
type Engine struct {
	db     *sql.DB
	path   string
	policy types.MergePolicy

	// commitMu serializes every durable write: context commits, batch
	// mutations, snapshot number assignment. Background contexts prepare in
	// parallel; application is one at a time.
	commitMu sync.Mutex

	generation atomic.Uint64
	closed     atomic.Bool

	bus *CommitBus

	defaultCtxOnce sync.Once
	defaultCtx     *WorkingContext
}

// Open initializes the engine at opts.Path, creating the schema as needed.
// Startup failures are returned as errors, never process aborts.
func Open(opts Options) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "store.Open")
	defer timer.Stop()

	log := logging.Get(logging.CategoryBoot)

	if opts.Path == "" {
		return nil, fmt.Errorf("store path required")
	}
	if opts.MergePolicy == "" {
		opts.MergePolicy = types.MergeLastWriteWins
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())); err != nil {
		log.Debugf("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debugf("failed to set journal_mode=WAL: %v", err)
	}
	// NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debugf("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		log.Debugf("failed to enable foreign_keys: %v", err)
	}

	e := &Engine{
		db:     db,
		path:   opts.Path,
		policy: opts.MergePolicy,
		bus:    newCommitBus(),
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	version, err := SchemaVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if version == "1.0" && !e.hasAnyRecords() {
		// Fresh store: stamp the current schema directly, nothing to migrate.
		if err := SetSchemaVersion(db, CurrentSchemaVersion, "initial schema"); err != nil {
			db.Close()
			return nil, err
		}
		version = CurrentSchemaVersion
	}

	log.Infof("store open at %s (schema %s, merge policy %s)", opts.Path, version, e.policy)
	return e, nil
}

func (e *Engine) hasAnyRecords() bool {
	var n int
	if err := e.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// Close shuts the engine down. Open contexts become unusable.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.bus.close()
	logging.Get(logging.CategoryBoot).Info("store closed")
	return e.db.Close()
}

// Path returns the durable store file location.
func (e *Engine) Path() string { return e.path }

// DB exposes the underlying connection for the read-only collaborators
// (export/template) and the migration validator.
func (e *Engine) DB() *sql.DB { return e.db }

// MergePolicy returns the configured conflict policy.
func (e *Engine) MergePolicy() types.MergePolicy { return e.policy }

// Generation increments on every applied commit or batch mutation. Contexts
// compare it to detect staleness after set-based writes.
func (e *Engine) Generation() uint64 { return e.generation.Load() }

// Subscribe returns a channel of commit summaries. The remote-sync
// collaborator and the auto-saver listen here. Call the returned cancel
// function when done.
func (e *Engine) Subscribe() (<-chan types.CommitSummary, func()) {
	return e.bus.subscribe()
}

// Serialize runs fn inside one transaction under the engine's commit queue.
// Used where ordering must be commit-consistent, e.g. snapshot version-number
// assignment.
func (e *Engine) Serialize(fn func(tx *sql.Tx) error) error {
	if e.closed.Load() {
		return types.ErrEngineClosed
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return &types.IOError{Op: "begin transaction", Path: e.path, Cause: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &types.IOError{Op: "commit transaction", Path: e.path, Cause: err}
	}
	return nil
}

// Default returns the engine's long-lived interactive context. It is created
// lazily and auto-merges externally committed changes (reads always see the
// latest committed state for unstaged records).
func (e *Engine) Default() *WorkingContext {
	e.defaultCtxOnce.Do(func() {
		e.defaultCtx = e.NewContext(IsolationDefault)
	})
	return e.defaultCtx
}

// Stats returns row counts per table (diagnostics and the status command).
func (e *Engine) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"records", "snapshots", "repair_history", "schema_versions"} {
		var count int64
		if err := e.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// getRecord loads one committed record. Returns nil when absent.
func (e *Engine) getRecord(q queryer, id string) (*types.Record, error) {
	row := q.QueryRow(
		"SELECT id, project_id, entity_type, fields, relationships, checksum, created_at, updated_at FROM records WHERE id = ?",
		id,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.Record, error) {
	var rec types.Record
	var fieldsJSON, relsJSON, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.EntityType, &fieldsJSON, &relsJSON, &rec.Checksum, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, &types.CorruptionError{Subject: "record " + rec.ID, Detail: "malformed fields payload"}
	}
	if err := json.Unmarshal([]byte(relsJSON), &rec.Relationships); err != nil {
		return nil, &types.CorruptionError{Subject: "record " + rec.ID, Detail: "malformed relationships payload"}
	}
	rec.Alive = true
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// RecordChecksum computes the content hash stored alongside each record:
// the digest of the record's canonical {fields, relationships} document.
func RecordChecksum(rec *types.Record) (string, error) {
	return checksum.SumJSON(map[string]any{
		"fields":        rec.Fields,
		"relationships": rec.Relationships,
	})
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ListRecords returns committed records matching the predicate, ordered by id
// for deterministic iteration.
func (e *Engine) ListRecords(pred Predicate) ([]*types.Record, error) {
	where, args := pred.where()
	rows, err := e.db.Query(
		"SELECT id, project_id, entity_type, fields, relationships, checksum, created_at, updated_at FROM records "+where+" ORDER BY id",
		args...,
	)
	if err != nil {
		return nil, &types.IOError{Op: "list records", Path: e.path, Cause: err}
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Predicate selects records for set-based operations. Zero-value fields are
// ignored; FieldEquals matches on a JSON field inside the fields document.
type Predicate struct {
	ProjectID   string
	EntityType  string
	Field       string
	FieldEquals any
}

func (p Predicate) where() (string, []any) {
	clauses := []string{}
	args := []any{}
	if p.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, p.ProjectID)
	}
	if p.EntityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, p.EntityType)
	}
	if p.Field != "" {
		clauses = append(clauses, "json_extract(fields, '$."+p.Field+"') = ?")
		args = append(args, p.FieldEquals)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}
