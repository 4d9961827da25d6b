package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ishabanya/ARchitect-sub003/internal/backup"
	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// State is the migration engine's lifecycle state.
type State string

const (
	StateNotRequired       State = "not_required"
	StateRequired          State = "required"
	StatePreparing         State = "preparing"
	StateBackingUp         State = "backing_up"
	StateMigrating         State = "migrating"
	StateValidating        State = "validating"
	StateCompleted         State = "completed"
	StateRollbackRequired  State = "rollback_required"
	StateRollingBack       State = "rolling_back"
	StateRollbackCompleted State = "rollback_completed"
	StateFailed            State = "failed"
)

// Migrator executes schema migrations against a closed store file. The
// engine is single-attempt: a failed step is never retried, the store is
// restored from the pre-migration backup and the run reports failure.
type Migrator struct {
	storePath string
	backups   *backup.Manager
	graph     *Graph
	timeout   time.Duration

	mu       sync.Mutex
	state    State
	progress float64
	plan     *Plan
	source   string
}

// NewMigrator creates a migrator for the store file at storePath. The store
// must not be open while Run executes.
func NewMigrator(storePath string, backups *backup.Manager, graph *Graph, timeout time.Duration) *Migrator {
	if graph == nil {
		graph = DefaultGraph()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Migrator{
		storePath: storePath,
		backups:   backups,
		graph:     graph,
		timeout:   timeout,
		state:     StateNotRequired,
	}
}

// State returns the current lifecycle state.
func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Progress returns fractional progress of the current run in [0, 1].
func (m *Migrator) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Plan returns the computed migration plan, if any.
func (m *Migrator) Plan() *Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan
}

func (m *Migrator) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	logging.Get(logging.CategoryMigration).Infof("migration state: %s", s)
}

func (m *Migrator) setProgress(p float64) {
	m.mu.Lock()
	m.progress = p
	m.mu.Unlock()
}

// Detect compares the store's recorded schema version against the current
// application schema and computes a plan when they differ.
func (m *Migrator) Detect() (required bool, err error) {
	db, err := sql.Open("sqlite", m.storePath)
	if err != nil {
		return false, &types.IOError{Op: "open store for detection", Path: m.storePath, Cause: err}
	}
	defer db.Close()

	version, err := store.SchemaVersion(db)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.source = version
	m.mu.Unlock()

	if version == store.CurrentSchemaVersion {
		m.setState(StateNotRequired)
		return false, nil
	}

	plan, err := m.graph.Plan(version, store.CurrentSchemaVersion)
	if err != nil {
		m.setState(StateFailed)
		return true, err
	}
	m.mu.Lock()
	m.plan = plan
	m.mu.Unlock()
	m.setState(StateRequired)
	logging.Get(logging.CategoryMigration).Infof("migration required: %s -> %s in %d step(s)",
		version, store.CurrentSchemaVersion, len(plan.Steps))
	return true, nil
}

// Run executes the computed plan. A full pre-migration backup is taken
// first; any step failure restores it, leaving the store exactly as it was
// before migration began. Cancellation and the bounded timeout behave like
// step failures.
func (m *Migrator) Run(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryMigration, "Run")
	defer timer.Stop()

	required, err := m.Detect()
	if err != nil {
		return err
	}
	if !required {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.setState(StatePreparing)
	m.setProgress(0)

	plan := m.Plan()

	m.setState(StateBackingUp)
	backupRec, err := m.backups.Create(types.BackupPreMigration)
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("pre-migration backup failed: %w", err)
	}
	m.setProgress(0.1)

	m.setState(StateMigrating)
	intermediates := []string{}
	cleanup := func() {
		for _, p := range intermediates {
			os.Remove(p)
			os.Remove(p + "-wal")
			os.Remove(p + "-shm")
		}
	}

	src := m.storePath
	final := ""
	stepSpan := 0.7 / float64(len(plan.Steps))
	for i, step := range plan.Steps {
		if err := mapTimeout(ctx.Err()); err != nil {
			cleanup()
			return m.rollback(backupRec, err)
		}
		dst := fmt.Sprintf("%s.mig-%d", m.storePath, i)
		os.Remove(dst)
		intermediates = append(intermediates, dst)

		if err := m.migrateStep(ctx, src, dst, step); err != nil {
			cleanup()
			return m.rollback(backupRec, fmt.Errorf("step %s -> %s failed: %w", step.From, step.To, err))
		}

		// Delete the prior intermediate file; the original store is only
		// replaced by the final swap below.
		if src != m.storePath {
			os.Remove(src)
			os.Remove(src + "-wal")
			os.Remove(src + "-shm")
		}
		src = dst
		final = dst
		m.setProgress(0.1 + float64(i+1)*stepSpan)
	}

	// Atomically swap the final migrated file into place. The WAL was
	// checkpointed at step close, so the main file is self-contained.
	os.Remove(m.storePath + "-wal")
	os.Remove(m.storePath + "-shm")
	if err := os.Rename(final, m.storePath); err != nil {
		cleanup()
		return m.rollback(backupRec, &types.IOError{Op: "swap migrated store", Path: m.storePath, Cause: err})
	}

	m.setState(StateValidating)
	m.setProgress(0.9)
	if err := m.validate(ctx, plan.Target); err != nil {
		return m.rollback(backupRec, fmt.Errorf("post-migration validation failed: %w", err))
	}

	m.setState(StateCompleted)
	m.setProgress(1)
	logging.Get(logging.CategoryMigration).Infof("migration completed: %s -> %s", plan.Source, plan.Target)
	return nil
}

// rollback restores the pre-migration backup and reports the original
// failure. A rollback failure is surfaced as a RollbackError: the store's
// consistency can no longer be guaranteed by software alone.
func (m *Migrator) rollback(backupRec *types.BackupRecord, original error) error {
	log := logging.Get(logging.CategoryMigration)
	log.Errorf("migration failed, rolling back: %v", original)

	m.setState(StateRollbackRequired)
	m.setState(StateRollingBack)
	if err := m.backups.Restore(backupRec); err != nil {
		m.setState(StateFailed)
		rbErr := &types.RollbackError{Op: "migration", Original: original, Cause: err}
		log.Errorf("MIGRATION ROLLBACK FAILED, store consistency not guaranteed: %v", rbErr)
		return rbErr
	}
	m.setState(StateRollbackCompleted)
	m.setState(StateFailed)
	return original
}

// migrateStep migrates the store at srcPath into a new file at dstPath using
// the step's mapping. Snapshots and the repair audit trail carry over
// verbatim; records are transformed field by field.
func (m *Migrator) migrateStep(ctx context.Context, srcPath, dstPath string, step Step) error {
	log := logging.Get(logging.CategoryMigration)
	kind := "custom"
	if step.Mapping.Inferred() {
		kind = "inferred"
	}
	log.Infof("migrating %s -> %s (%s mapping)", step.From, step.To, kind)

	srcDB, err := sql.Open("sqlite", srcPath)
	if err != nil {
		return &types.IOError{Op: "open migration source", Path: srcPath, Cause: err}
	}
	defer srcDB.Close()

	dstDB, err := sql.Open("sqlite", dstPath)
	if err != nil {
		return &types.IOError{Op: "create migration target", Path: dstPath, Cause: err}
	}
	defer dstDB.Close()

	if err := store.InitSchema(dstDB); err != nil {
		return err
	}

	tx, err := dstDB.Begin()
	if err != nil {
		return &types.IOError{Op: "begin migration write", Path: dstPath, Cause: err}
	}
	if err := m.copyRecords(ctx, srcDB, tx, step); err != nil {
		tx.Rollback()
		return err
	}
	if err := copyTable(srcDB, tx, "snapshots",
		"id, project_id, version, type, comment, author, payload, checksum, app_version, schema_version, created_at"); err != nil {
		tx.Rollback()
		return err
	}
	if err := copyTable(srcDB, tx, "snapshot_sequence", "project_id, last_version"); err != nil {
		tx.Rollback()
		return err
	}
	if err := copyTable(srcDB, tx, "repair_history",
		"id, attempted, repaired, failed, duration_ms, automatic, created_at"); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &types.IOError{Op: "commit migration write", Path: dstPath, Cause: err}
	}

	if err := store.SetSchemaVersion(dstDB, step.To, fmt.Sprintf("migrated from %s", step.From)); err != nil {
		return err
	}
	// Fold the WAL into the main file so the triplet can move as one unit.
	if _, err := dstDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Debugf("wal checkpoint failed: %v", err)
	}
	return nil
}

func (m *Migrator) copyRecords(ctx context.Context, srcDB *sql.DB, tx *sql.Tx, step Step) error {
	rows, err := srcDB.Query("SELECT id, project_id, entity_type, fields, relationships, created_at, updated_at FROM records ORDER BY id")
	if err != nil {
		return &types.IOError{Op: "read migration source records", Path: m.storePath, Cause: err}
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		if err := mapTimeout(ctx.Err()); err != nil {
			return err
		}
		var id, projectID, entityType, fieldsJSON, relsJSON, createdAt, updatedAt string
		if err := rows.Scan(&id, &projectID, &entityType, &fieldsJSON, &relsJSON, &createdAt, &updatedAt); err != nil {
			return err
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return &types.CorruptionError{Subject: "record " + id, Detail: "malformed fields payload"}
		}
		var rels []types.Relationship
		if err := json.Unmarshal([]byte(relsJSON), &rels); err != nil {
			return &types.CorruptionError{Subject: "record " + id, Detail: "malformed relationships payload"}
		}

		migrated, err := step.Mapping.Apply(entityType, fields)
		if err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}

		rec := types.Record{ID: id, Fields: migrated, Relationships: rels}
		sum, err := store.RecordChecksum(&rec)
		if err != nil {
			return err
		}
		migratedJSON, err := json.Marshal(migrated)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO records (id, project_id, entity_type, fields, relationships, checksum, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, projectID, entityType, string(migratedJSON), relsJSON, sum, createdAt, updatedAt,
		); err != nil {
			return &types.IOError{Op: "write migrated record", Path: id, Cause: err}
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	logging.Get(logging.CategoryMigration).Debugf("migrated %d records for step %s -> %s", count, step.From, step.To)
	return nil
}

// copyTable moves rows between identical tables in src and dst.
func copyTable(srcDB *sql.DB, tx *sql.Tx, table, columns string) error {
	if !tableExistsIn(srcDB, table) {
		return nil
	}
	rows, err := srcDB.Query(fmt.Sprintf("SELECT %s FROM %s", columns, table))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	placeholders := "?"
	for i := 1; i < len(cols); i++ {
		placeholders += ", ?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, columns, placeholders)

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if _, err := tx.Exec(insert, values...); err != nil {
			return err
		}
	}
	return rows.Err()
}

func tableExistsIn(db *sql.DB, table string) bool {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
	return err == nil && n > 0
}

// validate re-opens the migrated store and confirms the recorded schema
// version matches the plan's target and every known entity type can be
// queried. A lightweight pass, not the full integrity checker.
func (m *Migrator) validate(ctx context.Context, target string) error {
	db, err := sql.Open("sqlite", m.storePath)
	if err != nil {
		return &types.IOError{Op: "open migrated store", Path: m.storePath, Cause: err}
	}
	defer db.Close()

	version, err := store.SchemaVersion(db)
	if err != nil {
		return err
	}
	if version != target {
		return fmt.Errorf("migrated store reports schema %s, expected %s", version, target)
	}

	for _, entityType := range []string{types.EntityProject, types.EntityFurniture, types.EntityRoom, types.EntityCatalogItem} {
		if err := mapTimeout(ctx.Err()); err != nil {
			return err
		}
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM records WHERE entity_type = ?", entityType).Scan(&n); err != nil {
			return fmt.Errorf("entity type %s not queryable: %w", entityType, err)
		}
	}
	return nil
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrOperationTimeout
	}
	return err
}
