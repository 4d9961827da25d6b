package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ishabanya/ARchitect-sub003/internal/backup"
	"github.com/ishabanya/ARchitect-sub003/internal/checksum"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

func TestGraphPlansShortestPath(t *testing.T) {
	g := NewGraph()
	g.Register(Step{From: "1.0", To: "1.1"})
	g.Register(Step{From: "1.1", To: "1.2"})
	g.Register(Step{From: "1.0", To: "2.0"})
	g.Register(Step{From: "1.1", To: "2.0"})

	plan, err := g.Plan("1.0", "2.0")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("plan has %d steps, want the direct 1-step path", len(plan.Steps))
	}
	if plan.Steps[0].From != "1.0" || plan.Steps[0].To != "2.0" {
		t.Errorf("step = %s -> %s, want 1.0 -> 2.0", plan.Steps[0].From, plan.Steps[0].To)
	}

	// Without the direct edge the chain is used.
	g2 := NewGraph()
	g2.Register(Step{From: "1.0", To: "1.1"})
	g2.Register(Step{From: "1.1", To: "2.0"})
	plan2, err := g2.Plan("1.0", "2.0")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan2.Steps) != 2 {
		t.Errorf("plan has %d steps, want 2", len(plan2.Steps))
	}
}

func TestGraphNoPath(t *testing.T) {
	g := NewGraph()
	g.Register(Step{From: "1.0", To: "1.1"})

	_, err := g.Plan("1.0", "3.0")
	var npErr *types.NoMigrationPathError
	if !errors.As(err, &npErr) {
		t.Fatalf("Plan error = %v, want NoMigrationPathError", err)
	}
	if npErr.From != "1.0" || npErr.To != "3.0" {
		t.Errorf("error names %s -> %s, want 1.0 -> 3.0", npErr.From, npErr.To)
	}
}

func TestMappingApply(t *testing.T) {
	m := Mapping{
		RenameFields: map[string]string{"color": "finish"},
		DropFields:   []string{"legacy"},
		DefaultFields: map[string]map[string]any{
			types.EntityFurniture: {"width": 1.0},
		},
	}
	out, err := m.Apply(types.EntityFurniture, map[string]any{
		"name":   "sofa",
		"color":  "red",
		"legacy": true,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out["finish"] != "red" {
		t.Errorf("finish = %v, want red", out["finish"])
	}
	if _, ok := out["color"]; ok {
		t.Error("renamed field still present under old name")
	}
	if _, ok := out["legacy"]; ok {
		t.Error("dropped field still present")
	}
	if out["width"] != 1.0 {
		t.Errorf("width default = %v, want 1.0", out["width"])
	}
}

// seedOldStore builds a store at schema 1.0 with records in the old layout
// (loose color and position fields) and returns its path.
func seedOldStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "old.db")
	e, err := store.Open(store.Options{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	wc := e.NewContext(store.IsolationDefault)
	project, err := wc.Create(&types.Record{
		EntityType: types.EntityProject,
		Fields:     map[string]any{"name": "old flat"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := wc.Create(&types.Record{
		ID:         "f-old",
		ProjectID:  project.ID,
		EntityType: types.EntityFurniture,
		Fields: map[string]any{
			"name": "armchair", "color": "green",
			"pos_x": 2.0, "pos_y": 0.0, "pos_z": 1.5, "rotation": 90.0,
		},
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := wc.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Stamp the store back to the legacy schema version.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetSchemaVersion(db, "1.0", "test: legacy store"); err != nil {
		t.Fatal(err)
	}
	db.Close()
	return path
}

func newTestMigrator(t *testing.T, path string, graph *Graph) *Migrator {
	t.Helper()
	backups, err := backup.NewManager(path, filepath.Join(filepath.Dir(path), "backups"), time.Hour, 1)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return NewMigrator(path, backups, graph, time.Minute)
}

func TestDetect(t *testing.T) {
	path := seedOldStore(t)
	m := newTestMigrator(t, path, nil)

	required, err := m.Detect()
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !required {
		t.Fatal("legacy store should require migration")
	}
	if m.State() != StateRequired {
		t.Errorf("state = %s, want required", m.State())
	}
	if plan := m.Plan(); plan == nil || plan.Target != store.CurrentSchemaVersion {
		t.Error("detect should compute a plan to the current schema")
	}
}

func TestRunMigratesLegacyStore(t *testing.T) {
	path := seedOldStore(t)
	m := newTestMigrator(t, path, nil)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m.State() != StateCompleted {
		t.Errorf("state = %s, want completed", m.State())
	}
	if m.Progress() != 1 {
		t.Errorf("progress = %f, want 1", m.Progress())
	}

	e, err := store.Open(store.Options{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer e.Close()

	version, err := store.SchemaVersion(e.DB())
	if err != nil {
		t.Fatal(err)
	}
	if version != store.CurrentSchemaVersion {
		t.Errorf("schema = %s, want %s", version, store.CurrentSchemaVersion)
	}

	rec, err := e.NewContext(store.IsolationDefault).Get("f-old")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil {
		t.Fatal("migrated record missing")
	}
	if rec.Fields["finish"] != "green" {
		t.Errorf("finish = %v, want the renamed color value", rec.Fields["finish"])
	}
	if _, ok := rec.Fields["color"]; ok {
		t.Error("legacy color field survived migration")
	}
	placement, ok := rec.Fields["placement"].(map[string]any)
	if !ok {
		t.Fatalf("placement = %v, want a folded document", rec.Fields["placement"])
	}
	if placement["x"] != 2.0 || placement["rotation"] != 90.0 {
		t.Errorf("placement = %v, want x=2 rotation=90", placement)
	}
	if _, ok := rec.Fields["pos_x"]; ok {
		t.Error("loose position field survived migration")
	}

	// Checksums are recomputed over the migrated content.
	want, err := store.RecordChecksum(rec)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Checksum != want {
		t.Error("migrated record checksum does not match content")
	}
}

func TestRunRollsBackOnStepFailure(t *testing.T) {
	path := seedOldStore(t)

	// Three-step chain whose middle step always fails.
	g := NewGraph()
	g.Register(Step{From: "1.0", To: "1.5"})
	g.Register(Step{From: "1.5", To: "1.8", Mapping: Mapping{
		Transform: func(entityType string, fields map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("induced failure")
		},
	}})
	g.Register(Step{From: "1.8", To: store.CurrentSchemaVersion})

	m := newTestMigrator(t, path, g)
	err := m.Run(context.Background())
	if err == nil {
		t.Fatal("Run should fail on the failing step")
	}
	if m.State() != StateFailed {
		t.Errorf("state = %s, want failed", m.State())
	}

	// The store was restored from the pre-migration backup: same bytes.
	backups := m.backups.List()
	if len(backups) != 1 {
		t.Fatalf("recorded %d backups, want 1", len(backups))
	}
	sum, err := checksum.SumFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if sum != backups[0].Checksum {
		t.Error("store after rollback differs from the pre-migration backup")
	}

	// Still at the legacy version and fully usable.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	version, err := store.SchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != "1.0" {
		t.Errorf("schema after rollback = %s, want 1.0", version)
	}
}

func TestRunCancellation(t *testing.T) {
	path := seedOldStore(t)
	m := newTestMigrator(t, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Run(ctx)
	if err == nil {
		t.Fatal("cancelled run should fail")
	}
	if m.State() != StateFailed {
		t.Errorf("state = %s, want failed", m.State())
	}
}
