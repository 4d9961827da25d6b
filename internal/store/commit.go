package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// requiredFields lists the fields commit validation demands per entity type.
var requiredFields = map[string][]string{
	types.EntityProject:     {"name"},
	types.EntityFurniture:   {"name"},
	types.EntityRoom:        {"name"},
	types.EntityCatalogItem: {"name"},
}

// Commit validates all pending inserts, updates and deletes, then applies
// them in one transaction. On validation failure nothing is written and the
// error names the failing record. Conflicting concurrent updates resolve via
// the engine's merge policy (see types.MergePolicy for the exact precedence).
func (wc *WorkingContext) Commit(ctx context.Context) (*types.CommitSummary, error) {
	return wc.commit(ctx, types.OriginLocal)
}

func (wc *WorkingContext) commit(ctx context.Context, origin types.ChangeOrigin) (*types.CommitSummary, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Commit")
	defer timer.Stop()

	e := wc.engine
	if e.closed.Load() {
		return nil, types.ErrEngineClosed
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return nil, types.ErrContextClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := wc.validateLocked(); err != nil {
		return nil, err
	}
	merged, err := wc.resolveConflictsLocked()
	if err != nil {
		return nil, err
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, &types.IOError{Op: "begin commit", Path: e.path, Cause: err}
	}

	summary := types.CommitSummary{Origin: origin, At: time.Now().UTC()}
	projects := make(map[string]struct{})

	apply := func() error {
		for _, rec := range wc.inserted {
			if err := insertRecord(tx, rec); err != nil {
				return err
			}
			summary.Inserted++
			projects[rec.ProjectID] = struct{}{}
		}
		for _, rec := range merged {
			if err := updateRecord(tx, rec); err != nil {
				return err
			}
			summary.Updated++
			projects[rec.ProjectID] = struct{}{}
		}
		for id, rec := range wc.deleted {
			if _, err := tx.Exec("DELETE FROM records WHERE id = ?", id); err != nil {
				return &types.IOError{Op: "delete record", Path: e.path, Cause: err}
			}
			summary.Deleted++
			projects[rec.ProjectID] = struct{}{}
		}
		return nil
	}

	if err := apply(); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &types.IOError{Op: "commit", Path: e.path, Cause: err}
	}

	for p := range projects {
		if p != "" {
			summary.ProjectIDs = append(summary.ProjectIDs, p)
		}
	}

	// Clear staged state; the context survives for further work.
	wc.inserted = make(map[string]*types.Record)
	wc.updated = make(map[string]*types.Record)
	wc.preimages = make(map[string]*types.Record)
	wc.deleted = make(map[string]*types.Record)

	e.generation.Add(1)
	wc.generation = e.Generation()
	e.bus.publish(summary)

	logging.Get(logging.CategoryStore).Debugf("commit applied: +%d ~%d -%d (%s)",
		summary.Inserted, summary.Updated, summary.Deleted, origin)
	return &summary, nil
}

// validateLocked checks every staged mutation. Errors carry the failing
// record's id so callers can report precisely.
func (wc *WorkingContext) validateLocked() error {
	check := func(rec *types.Record) error {
		if rec.EntityType == "" {
			return &types.ValidationError{RecordID: rec.ID, Field: "entity_type", Reason: "must not be empty"}
		}
		for _, f := range requiredFields[rec.EntityType] {
			v, ok := rec.Fields[f]
			if !ok || v == "" || v == nil {
				return &types.ValidationError{RecordID: rec.ID, Field: f, Reason: "required field missing or empty"}
			}
		}
		// Non-catalog records must belong to a project aggregate.
		if rec.EntityType != types.EntityCatalogItem && rec.ProjectID == "" {
			return &types.ValidationError{RecordID: rec.ID, Field: "project_id", Reason: "record must belong to a project"}
		}
		if rec.ProjectID != "" && !rec.IsProjectRoot() {
			ok, err := wc.recordVisibleLocked(rec.ProjectID)
			if err != nil {
				return err
			}
			if !ok {
				return &types.ValidationError{RecordID: rec.ID, Field: "project_id", Reason: "project " + rec.ProjectID + " does not exist"}
			}
		}
		for _, rel := range rec.Relationships {
			ok, err := wc.recordVisibleLocked(rel.TargetID)
			if err != nil {
				return err
			}
			if !ok {
				return &types.ValidationError{RecordID: rec.ID, Field: rel.Name, Reason: "relationship target " + rel.TargetID + " does not exist"}
			}
		}
		return nil
	}

	for _, rec := range wc.inserted {
		if err := check(rec); err != nil {
			return err
		}
	}
	for _, rec := range wc.updated {
		if err := check(rec); err != nil {
			return err
		}
	}
	return nil
}

// recordVisibleLocked reports whether a record exists in the staged or
// committed view (deletions staged here hide the committed row).
func (wc *WorkingContext) recordVisibleLocked(id string) (bool, error) {
	if _, gone := wc.deleted[id]; gone {
		return false, nil
	}
	if _, ok := wc.inserted[id]; ok {
		return true, nil
	}
	if _, ok := wc.updated[id]; ok {
		return true, nil
	}
	var n int
	if err := wc.engine.db.QueryRow("SELECT COUNT(*) FROM records WHERE id = ?", id).Scan(&n); err != nil {
		return false, &types.IOError{Op: "lookup record", Path: wc.engine.path, Cause: err}
	}
	return n > 0, nil
}

// resolveConflictsLocked compares each staged update's pre-image with the
// currently committed row. Fields changed both here and by an interleaved
// commit are conflicts: under last-write-wins this commit's values win per
// field (logged); under the surface policy the commit fails listing them.
func (wc *WorkingContext) resolveConflictsLocked() (map[string]*types.Record, error) {
	log := logging.Get(logging.CategoryStore)
	merged := make(map[string]*types.Record, len(wc.updated))

	for id, staged := range wc.updated {
		pre := wc.preimages[id]
		committed, err := wc.engine.getRecord(wc.engine.db, id)
		if err != nil {
			return nil, err
		}
		if committed == nil {
			// Row vanished since staging (batch delete or external removal);
			// resurrect with the staged state, which is what last-writer-wins
			// means for a whole-record race.
			merged[id] = staged
			continue
		}

		ourChanges := changedFields(pre, staged)
		var conflicts []string
		for f := range ourChanges {
			if pre != nil && !equalValues(pre.Fields[f], committed.Fields[f]) {
				conflicts = append(conflicts, f)
			}
		}

		if len(conflicts) > 0 && wc.engine.policy == types.MergeSurfaceConflicts {
			return nil, &types.ConflictError{RecordID: id, Fields: conflicts}
		}
		if len(conflicts) > 0 {
			log.Warnf("conflict on record %s resolved last-write-wins for fields %v", id, conflicts)
		}

		// Base on the committed row, overlaying only the fields this context
		// changed, so interleaved writes to other fields survive.
		result := committed.Clone()
		for f, v := range ourChanges {
			result.Fields[f] = v
		}
		result.Relationships = append([]types.Relationship(nil), staged.Relationships...)
		result.UpdatedAt = staged.UpdatedAt
		merged[id] = result
	}
	return merged, nil
}

// changedFields returns the fields whose staged value differs from the
// pre-image, including fields deleted in the staged state (mapped to nil).
func changedFields(pre, staged *types.Record) map[string]any {
	out := make(map[string]any)
	if pre == nil {
		for f, v := range staged.Fields {
			out[f] = v
		}
		return out
	}
	for f, v := range staged.Fields {
		if !equalValues(pre.Fields[f], v) {
			out[f] = v
		}
	}
	for f := range pre.Fields {
		if _, ok := staged.Fields[f]; !ok {
			out[f] = nil
		}
	}
	return out
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func insertRecord(tx *sql.Tx, rec *types.Record) error {
	sum, err := RecordChecksum(rec)
	if err != nil {
		return err
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	relsJSON, err := json.Marshal(rec.Relationships)
	if err != nil {
		return err
	}
	if rec.Relationships == nil {
		relsJSON = []byte("[]")
	}
	_, err = tx.Exec(
		`INSERT INTO records (id, project_id, entity_type, fields, relationships, checksum, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.EntityType, string(fieldsJSON), string(relsJSON), sum,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &types.IOError{Op: "insert record", Path: rec.ID, Cause: err}
	}
	return nil
}

func updateRecord(tx *sql.Tx, rec *types.Record) error {
	// Drop nil-valued fields: they mark deletions from the fields document.
	for f, v := range rec.Fields {
		if v == nil {
			delete(rec.Fields, f)
		}
	}
	sum, err := RecordChecksum(rec)
	if err != nil {
		return err
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	relsJSON, err := json.Marshal(rec.Relationships)
	if err != nil {
		return err
	}
	if rec.Relationships == nil {
		relsJSON = []byte("[]")
	}
	res, err := tx.Exec(
		`UPDATE records SET project_id = ?, entity_type = ?, fields = ?, relationships = ?, checksum = ?, updated_at = ?
		 WHERE id = ?`,
		rec.ProjectID, rec.EntityType, string(fieldsJSON), string(relsJSON), sum,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.ID,
	)
	if err != nil {
		return &types.IOError{Op: "update record", Path: rec.ID, Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return insertRecord(tx, rec)
	}
	return nil
}

// RunAtomic executes a sequence of operations against wc inside one logical
// unit. A savepoint is captured first; when any operation fails the context
// rolls back to it and the error propagates, so none of the operations'
// staged effects survive. Nothing is made durable here; pair with Commit.
func (wc *WorkingContext) RunAtomic(ctx context.Context, ops ...func(*WorkingContext) error) error {
	sp := wc.Savepoint()
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			if rbErr := wc.RollbackTo(sp); rbErr != nil {
				return &types.RollbackError{Op: "atomic block", Original: err, Cause: rbErr}
			}
			return err
		}
		if err := op(wc); err != nil {
			if rbErr := wc.RollbackTo(sp); rbErr != nil {
				return &types.RollbackError{Op: "atomic block", Original: err, Cause: rbErr}
			}
			return err
		}
	}
	return nil
}

// RunAtomicCommit runs ops via RunAtomic and commits the context when they
// all succeed. The integrity checker's repairs use this so a failed repair
// never partially mutates the store.
func (wc *WorkingContext) RunAtomicCommit(ctx context.Context, ops ...func(*WorkingContext) error) (*types.CommitSummary, error) {
	if err := wc.RunAtomic(ctx, ops...); err != nil {
		return nil, err
	}
	return wc.Commit(ctx)
}

// BatchUpdate applies the given field values to every committed record
// matching the predicate, as one set-based statement. Checksums of touched
// rows are recomputed in the same transaction and the engine generation is
// bumped so open contexts refresh stale reads.
func (e *Engine) BatchUpdate(ctx context.Context, pred Predicate, set map[string]any) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "BatchUpdate")
	defer timer.Stop()

	if e.closed.Load() {
		return 0, types.ErrEngineClosed
	}
	patch, err := json.Marshal(set)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = e.Serialize(func(tx *sql.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		where, args := pred.where()
		res, err := tx.Exec(
			"UPDATE records SET fields = json_patch(fields, ?), updated_at = ? "+where,
			append([]any{string(patch), nowRFC3339()}, args...)...,
		)
		if err != nil {
			return &types.IOError{Op: "batch update", Path: e.path, Cause: err}
		}
		affected, _ = res.RowsAffected()
		return recomputeChecksums(tx, pred)
	})
	if err != nil {
		return 0, err
	}

	e.generation.Add(1)
	e.bus.publish(types.CommitSummary{Updated: int(affected), Origin: types.OriginLocal, At: time.Now().UTC()})
	return affected, nil
}

// BatchDelete removes every committed record matching the predicate.
func (e *Engine) BatchDelete(ctx context.Context, pred Predicate) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "BatchDelete")
	defer timer.Stop()

	if e.closed.Load() {
		return 0, types.ErrEngineClosed
	}

	var affected int64
	err := e.Serialize(func(tx *sql.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		where, args := pred.where()
		res, err := tx.Exec("DELETE FROM records "+where, args...)
		if err != nil {
			return &types.IOError{Op: "batch delete", Path: e.path, Cause: err}
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.generation.Add(1)
	e.bus.publish(types.CommitSummary{Deleted: int(affected), Origin: types.OriginLocal, At: time.Now().UTC()})
	return affected, nil
}

// recomputeChecksums refreshes the stored checksum of rows matching pred.
// Batch updates rewrite fields in SQL, so the content hash must follow.
func recomputeChecksums(tx *sql.Tx, pred Predicate) error {
	where, args := pred.where()
	rows, err := tx.Query("SELECT id, fields, relationships FROM records "+where, args...)
	if err != nil {
		return err
	}
	type item struct{ id, sum string }
	var items []item
	for rows.Next() {
		var id, fieldsJSON, relsJSON string
		if err := rows.Scan(&id, &fieldsJSON, &relsJSON); err != nil {
			rows.Close()
			return err
		}
		var rec types.Record
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			rows.Close()
			return &types.CorruptionError{Subject: "record " + id, Detail: "malformed fields payload"}
		}
		if err := json.Unmarshal([]byte(relsJSON), &rec.Relationships); err != nil {
			rows.Close()
			return &types.CorruptionError{Subject: "record " + id, Detail: "malformed relationships payload"}
		}
		sum, err := RecordChecksum(&rec)
		if err != nil {
			rows.Close()
			return err
		}
		items = append(items, item{id: id, sum: sum})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, it := range items {
		if _, err := tx.Exec("UPDATE records SET checksum = ? WHERE id = ?", it.sum, it.id); err != nil {
			return err
		}
	}
	return nil
}

// ExternalChangeSet is the remote-sync collaborator's entry point payload.
// External changes merge through the same commit path as local ones, so
// integrity and version triggers fire uniformly.
type ExternalChangeSet struct {
	Source  string         `json:"source"`
	Inserts []types.Record `json:"inserts,omitempty"`
	Updates []types.Record `json:"updates,omitempty"`
	Deletes []string       `json:"deletes,omitempty"`
}

// ApplyExternal merges an externally applied change set.
func (e *Engine) ApplyExternal(ctx context.Context, cs *ExternalChangeSet) (*types.CommitSummary, error) {
	wc := e.NewContext(IsolationBackground)
	defer wc.Close()

	for i := range cs.Inserts {
		if _, err := wc.Create(&cs.Inserts[i]); err != nil {
			return nil, err
		}
	}
	for i := range cs.Updates {
		rec := &cs.Updates[i]
		current, err := wc.Get(rec.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			if _, err := wc.Create(rec); err != nil {
				return nil, err
			}
			continue
		}
		for f, v := range rec.Fields {
			current.Fields[f] = v
		}
		if rec.Relationships != nil {
			current.Relationships = rec.Relationships
		}
		if err := wc.Update(current); err != nil {
			return nil, err
		}
	}
	for _, id := range cs.Deletes {
		if err := wc.Delete(id); err != nil {
			return nil, err
		}
	}

	summary, err := wc.commit(ctx, types.OriginExternal)
	if err != nil {
		return nil, fmt.Errorf("external change set from %s rejected: %w", cs.Source, err)
	}
	return summary, nil
}
