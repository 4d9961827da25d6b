// Package versions implements the version history manager: checksummed
// full-state snapshots of a project, verified restore with a pre-restore
// safety snapshot, retention pruning, and change-triggered auto-save.
package versions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ishabanya/ARchitect-sub003/internal/checksum"
	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// Manager creates, verifies, restores and prunes version snapshots.
type Manager struct {
	engine          *store.Engine
	appVersion      string
	maxHistory      int
	minAutoInterval time.Duration

	mu       sync.Mutex
	lastAuto map[string]time.Time // per-project automatic snapshot rate limit
}

// NewManager creates a version history manager over the engine.
func NewManager(engine *store.Engine, appVersion string, maxHistory int, minAutoInterval time.Duration) *Manager {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	if minAutoInterval <= 0 {
		minAutoInterval = time.Minute
	}
	return &Manager{
		engine:          engine,
		appVersion:      appVersion,
		maxHistory:      maxHistory,
		minAutoInterval: minAutoInterval,
		lastAuto:        make(map[string]time.Time),
	}
}

// Create serializes the project's full state, assigns the next version
// number for the project and persists the snapshot. Version numbers are
// assigned under the engine's commit queue, so they order strictly even when
// creation requests race. Automatic snapshots are rate-limited per project;
// requesting one too soon fails with ErrTooFrequent rather than silently
// skipping.
func (m *Manager) Create(ctx context.Context, projectID string, typ types.SnapshotType, comment, author string) (*types.VersionSnapshot, error) {
	timer := logging.StartTimer(logging.CategoryVersions, "Create")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if typ == types.SnapshotAutomatic {
		m.mu.Lock()
		if last, ok := m.lastAuto[projectID]; ok && time.Since(last) < m.minAutoInterval {
			m.mu.Unlock()
			return nil, fmt.Errorf("project %s: %w", projectID, types.ErrTooFrequent)
		}
		m.mu.Unlock()
	}

	var snap *types.VersionSnapshot
	err := m.engine.Serialize(func(tx *sql.Tx) error {
		payload, err := buildPayload(tx, projectID, m.appVersion)
		if err != nil {
			return err
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		next, err := nextVersion(tx, projectID)
		if err != nil {
			return err
		}

		snap = &types.VersionSnapshot{
			ID:            uuid.NewString(),
			ProjectID:     projectID,
			Version:       next,
			Type:          typ,
			Comment:       comment,
			Author:        author,
			Checksum:      checksum.Sum(data),
			CreatedAt:     payload.Metadata.CreatedAt,
			AppVersion:    m.appVersion,
			SchemaVersion: store.CurrentSchemaVersion,
			Payload:       data,
		}

		if _, err := tx.Exec(
			`INSERT INTO snapshots (id, project_id, version, type, comment, author, payload, checksum, app_version, schema_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, snap.ProjectID, snap.Version, string(snap.Type), snap.Comment, snap.Author,
			snap.Payload, snap.Checksum, snap.AppVersion, snap.SchemaVersion,
			snap.CreatedAt.Format(time.RFC3339Nano),
		); err != nil {
			return &types.IOError{Op: "insert snapshot", Path: snap.ID, Cause: err}
		}

		return m.enforceRetention(tx, projectID)
	})
	if err != nil {
		return nil, err
	}

	if typ == types.SnapshotAutomatic {
		m.mu.Lock()
		m.lastAuto[projectID] = time.Now()
		m.mu.Unlock()
	}

	logging.Get(logging.CategoryVersions).Infof("created %s snapshot v%d for project %s", typ, snap.Version, projectID)
	return snap, nil
}

// nextVersion advances the project's persistent version sequence. The
// high-water mark in snapshot_sequence survives snapshot deletion, so a
// number is never reused even after the newest snapshot is removed. Stores
// predating the sequence table are seeded from the surviving snapshots.
func nextVersion(tx *sql.Tx, projectID string) (int64, error) {
	var last int64
	err := tx.QueryRow("SELECT last_version FROM snapshot_sequence WHERE project_id = ?", projectID).Scan(&last)
	if err == sql.ErrNoRows {
		if err := tx.QueryRow("SELECT COALESCE(MAX(version), 0) FROM snapshots WHERE project_id = ?", projectID).Scan(&last); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	next := last + 1
	if _, err := tx.Exec(
		`INSERT INTO snapshot_sequence (project_id, last_version) VALUES (?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET last_version = excluded.last_version`,
		projectID, next,
	); err != nil {
		return 0, err
	}
	return next, nil
}

// buildPayload reads the project root and its child records and assembles
// the serialized snapshot document.
func buildPayload(tx *sql.Tx, projectID, appVersion string) (*types.SnapshotPayload, error) {
	row := tx.QueryRow(
		"SELECT id, project_id, entity_type, fields, relationships, checksum, created_at, updated_at FROM records WHERE id = ?",
		projectID,
	)
	project, err := scanSnapshotRecord(row)
	if err == sql.ErrNoRows {
		return nil, &types.ValidationError{RecordID: projectID, Reason: "project does not exist"}
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(
		"SELECT id, project_id, entity_type, fields, relationships, checksum, created_at, updated_at FROM records WHERE project_id = ? AND id <> ? ORDER BY id",
		projectID, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []types.Record
	for rows.Next() {
		rec, err := scanSnapshotRecord(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if children == nil {
		children = []types.Record{}
	}

	name, _ := project.Fields["name"].(string)
	return &types.SnapshotPayload{
		ProjectInfo: types.ProjectInfo{
			ID:         project.ID,
			Name:       name,
			EntityType: project.EntityType,
		},
		CoreFields:   project.Fields,
		ChildRecords: children,
		Metadata: types.SnapshotMetadata{
			CreatedAt:     time.Now().UTC(),
			AppVersion:    appVersion,
			SchemaVersion: store.CurrentSchemaVersion,
		},
	}, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSnapshotRecord(row rowScanner) (*types.Record, error) {
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

// enforceRetention prunes the oldest automatic and derived snapshots,
// oldest-first, until the project is within the history bound. Manual
// snapshots are never pruned regardless of age.
func (m *Manager) enforceRetention(tx *sql.Tx, projectID string) error {
	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM snapshots WHERE project_id = ?", projectID).Scan(&count); err != nil {
		return err
	}
	if count <= m.maxHistory {
		return nil
	}

	rows, err := tx.Query(
		"SELECT id FROM snapshots WHERE project_id = ? AND type <> ? ORDER BY version ASC LIMIT ?",
		projectID, string(types.SnapshotManual), count-m.maxHistory,
	)
	if err != nil {
		return err
	}
	var prune []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		prune = append(prune, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range prune {
		if _, err := tx.Exec("DELETE FROM snapshots WHERE id = ?", id); err != nil {
			return err
		}
	}
	if len(prune) > 0 {
		logging.Get(logging.CategoryVersions).Infof("pruned %d automatic snapshots for project %s", len(prune), projectID)
	}
	return nil
}

// List returns snapshot metadata for a project, newest first. Payloads are
// not loaded.
func (m *Manager) List(projectID string) ([]types.VersionSnapshot, error) {
	rows, err := m.engine.DB().Query(
		`SELECT id, project_id, version, type, comment, author, checksum, app_version, schema_version, created_at
		 FROM snapshots WHERE project_id = ? ORDER BY version DESC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.VersionSnapshot
	for rows.Next() {
		var s types.VersionSnapshot
		var typ, createdAt string
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Version, &typ, &s.Comment, &s.Author, &s.Checksum, &s.AppVersion, &s.SchemaVersion, &createdAt); err != nil {
			return nil, err
		}
		s.Type = types.SnapshotType(typ)
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get loads one snapshot including its payload.
func (m *Manager) Get(id string) (*types.VersionSnapshot, error) {
	row := m.engine.DB().QueryRow(
		`SELECT id, project_id, version, type, comment, author, payload, checksum, app_version, schema_version, created_at
		 FROM snapshots WHERE id = ?`,
		id,
	)
	var s types.VersionSnapshot
	var typ, createdAt string
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Version, &typ, &s.Comment, &s.Author, &s.Payload, &s.Checksum, &s.AppVersion, &s.SchemaVersion, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("snapshot %s not found", id)
		}
		return nil, err
	}
	s.Type = types.SnapshotType(typ)
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &s, nil
}

// Verify checks a snapshot's payload against its stored checksum.
func (m *Manager) Verify(snap *types.VersionSnapshot) error {
	if !checksum.Verify(snap.Payload, snap.Checksum) {
		return &types.CorruptionError{
			Subject: fmt.Sprintf("snapshot %s (v%d)", snap.ID, snap.Version),
			Detail:  "payload checksum mismatch",
		}
	}
	return nil
}

// Restore overwrites the project's live state from the snapshot payload.
// The payload checksum is verified first; a safety snapshot of the current
// state (type before_restore) is created before anything is overwritten.
// The overwrite itself is one atomic commit, so cancellation or failure
// leaves no partial restore.
func (m *Manager) Restore(ctx context.Context, snapshotID string) error {
	timer := logging.StartTimer(logging.CategoryVersions, "Restore")
	defer timer.Stop()

	snap, err := m.Get(snapshotID)
	if err != nil {
		return err
	}
	if err := m.Verify(snap); err != nil {
		return err
	}

	var payload types.SnapshotPayload
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		return &types.CorruptionError{Subject: "snapshot " + snap.ID, Detail: "malformed payload document"}
	}

	if _, err := m.Create(ctx, snap.ProjectID, types.SnapshotBeforeRestore,
		fmt.Sprintf("state before restoring v%d", snap.Version), ""); err != nil {
		return fmt.Errorf("failed to create pre-restore safety snapshot: %w", err)
	}

	wc := m.engine.NewContext(store.IsolationBackground)
	defer wc.Close()

	err = wc.RunAtomic(ctx,
		// Overwrite the project root field-by-field.
		func(wc *store.WorkingContext) error {
			project, err := wc.Get(snap.ProjectID)
			if err != nil {
				return err
			}
			if project == nil {
				return &types.ValidationError{RecordID: snap.ProjectID, Reason: "project does not exist"}
			}
			project.Fields = payload.CoreFields
			return wc.Update(project)
		},
		// Remove children that did not exist in the snapshot.
		func(wc *store.WorkingContext) error {
			current, err := m.engine.ListRecords(store.Predicate{ProjectID: snap.ProjectID})
			if err != nil {
				return err
			}
			want := make(map[string]struct{}, len(payload.ChildRecords))
			for _, child := range payload.ChildRecords {
				want[child.ID] = struct{}{}
			}
			for _, rec := range current {
				if rec.ID == snap.ProjectID {
					continue
				}
				if _, ok := want[rec.ID]; !ok {
					if err := wc.Delete(rec.ID); err != nil {
						return err
					}
				}
			}
			return nil
		},
		// Recreate or overwrite children from the payload, relationship by
		// relationship.
		func(wc *store.WorkingContext) error {
			for i := range payload.ChildRecords {
				child := payload.ChildRecords[i]
				existing, err := wc.Get(child.ID)
				if err != nil {
					return err
				}
				if existing == nil {
					if _, err := wc.Create(&child); err != nil {
						return err
					}
					continue
				}
				existing.Fields = child.Fields
				existing.Relationships = child.Relationships
				existing.EntityType = child.EntityType
				existing.ProjectID = child.ProjectID
				if err := wc.Update(existing); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	if _, err := wc.Commit(ctx); err != nil {
		return err
	}

	logging.Get(logging.CategoryVersions).Infof("restored project %s to version %d", snap.ProjectID, snap.Version)
	return nil
}

// Delete removes a snapshot. Manually created snapshots are protected: the
// call fails rather than silently ignoring the request.
func (m *Manager) Delete(id string) error {
	snap, err := m.Get(id)
	if err != nil {
		return err
	}
	if snap.Type == types.SnapshotManual {
		return fmt.Errorf("snapshot %s (v%d): %w", snap.ID, snap.Version, types.ErrManualVersionProtected)
	}
	_, err = m.engine.DB().Exec("DELETE FROM snapshots WHERE id = ?", id)
	return err
}
