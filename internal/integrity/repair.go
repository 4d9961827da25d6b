package integrity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// Repair attempts to fix the repairable issues. Each issue is fixed in its
// own atomic unit; a failed fix rolls back without touching the others.
// In automatic mode only non-critical issues are attempted, so unattended
// runs never take destructive action on criticals. The outcome is appended
// to the persistent repair audit trail.
func (c *Checker) Repair(ctx context.Context, issues []types.IntegrityIssue, automatic bool) (*types.RepairRecord, error) {
	timer := logging.StartTimer(logging.CategoryIntegrity, "Repair")
	defer timer.Stop()

	log := logging.Get(logging.CategoryIntegrity)
	start := time.Now()

	var selected []types.IntegrityIssue
	for _, is := range issues {
		if !is.Repairable {
			continue
		}
		if automatic && is.Severity == types.SeverityCritical {
			continue
		}
		selected = append(selected, is)
	}
	log.Debugf("repairing %d of %d issues: %s", len(selected), len(issues), joinIssueIDs(selected))

	record := &types.RepairRecord{
		ID:        uuid.NewString(),
		Attempted: len(selected),
		Automatic: automatic,
		At:        start,
	}

	for _, is := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.repairOne(ctx, is); err != nil {
			record.Failed++
			log.Warnf("repair of %s issue on %s failed: %v", is.Type, is.RecordID, err)
			continue
		}
		record.Repaired++
	}
	record.Duration = time.Since(start)

	if err := c.appendRepairRecord(record); err != nil {
		return nil, err
	}
	log.Infof("repair pass: %d repaired, %d failed of %d attempted", record.Repaired, record.Failed, record.Attempted)
	return record, nil
}

func (c *Checker) repairOne(ctx context.Context, is types.IntegrityIssue) error {
	switch is.Type {
	case types.IssueOrphanedRecord, types.IssueDuplicateEntity, types.IssueInconsistentState:
		if is.RecordID == "" {
			return nil // store-level inconsistency, nothing record-scoped to do
		}
		return c.deleteRecord(ctx, is.RecordID)
	case types.IssueMissingRelationship:
		return c.dropDanglingRelationships(ctx, is.RecordID)
	case types.IssueInvalidField:
		return c.resetRequiredFields(ctx, is.RecordID)
	case types.IssueCorruptedChecksum:
		return c.recomputeChecksum(is.RecordID)
	default:
		return nil
	}
}

func (c *Checker) deleteRecord(ctx context.Context, id string) error {
	wc := c.engine.NewContext(store.IsolationBackground)
	defer wc.Close()
	_, err := wc.RunAtomicCommit(ctx, func(wc *store.WorkingContext) error {
		return wc.Delete(id)
	})
	return err
}

func (c *Checker) dropDanglingRelationships(ctx context.Context, id string) error {
	wc := c.engine.NewContext(store.IsolationBackground)
	defer wc.Close()
	_, err := wc.RunAtomicCommit(ctx, func(wc *store.WorkingContext) error {
		rec, err := wc.Get(id)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		kept := rec.Relationships[:0]
		for _, rel := range rec.Relationships {
			target, err := wc.Get(rel.TargetID)
			if err != nil {
				return err
			}
			if target != nil {
				kept = append(kept, rel)
			}
		}
		rec.Relationships = kept
		return wc.Update(rec)
	})
	return err
}

func (c *Checker) resetRequiredFields(ctx context.Context, id string) error {
	wc := c.engine.NewContext(store.IsolationBackground)
	defer wc.Close()
	_, err := wc.RunAtomicCommit(ctx, func(wc *store.WorkingContext) error {
		rec, err := wc.Get(id)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if name, _ := rec.Fields["name"].(string); name == "" {
			rec.Fields["name"] = "unnamed " + rec.EntityType
		}
		return wc.Update(rec)
	})
	return err
}

// recomputeChecksum rewrites a record's stored checksum from its current
// content. Runs under the commit queue so it cannot race a commit that is
// rewriting the same row.
func (c *Checker) recomputeChecksum(id string) error {
	return c.engine.Serialize(func(tx *sql.Tx) error {
		var fieldsJSON, relsJSON string
		err := tx.QueryRow("SELECT fields, relationships FROM records WHERE id = ?", id).
			Scan(&fieldsJSON, &relsJSON)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		var rec types.Record
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return &types.CorruptionError{Subject: "record " + id, Detail: "malformed fields payload"}
		}
		if err := json.Unmarshal([]byte(relsJSON), &rec.Relationships); err != nil {
			return &types.CorruptionError{Subject: "record " + id, Detail: "malformed relationships payload"}
		}
		sum, err := store.RecordChecksum(&rec)
		if err != nil {
			return err
		}
		_, err = tx.Exec("UPDATE records SET checksum = ? WHERE id = ?", sum, id)
		return err
	})
}

func (c *Checker) appendRepairRecord(r *types.RepairRecord) error {
	automatic := 0
	if r.Automatic {
		automatic = 1
	}
	_, err := c.engine.DB().Exec(
		`INSERT INTO repair_history (id, attempted, repaired, failed, duration_ms, automatic, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Attempted, r.Repaired, r.Failed, r.Duration.Milliseconds(), automatic,
		r.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &types.IOError{Op: "append repair record", Path: "repair_history", Cause: err}
	}
	return nil
}
