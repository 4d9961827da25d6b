package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// seedConflict commits one furniture record and stages the same-field update
// in two contexts, committing the second context first. Returns the engine,
// the first (still pending) context and the record id.
func seedConflict(t *testing.T, policy types.MergePolicy) (*Engine, *WorkingContext, string) {
	t.Helper()
	e, err := Open(Options{Path: filepath.Join(t.TempDir(), "conflict.db"), MergePolicy: policy})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	ctx := context.Background()

	setup := e.NewContext(IsolationDefault)
	project := createProject(t, setup, "shared")
	desk, err := setup.Create(&types.Record{
		ProjectID:  project.ID,
		EntityType: types.EntityFurniture,
		Fields:     map[string]any{"name": "desk", "finish": "oak", "width": 1.2},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := setup.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// First context stages its change to finish.
	wc1 := e.NewContext(IsolationDefault)
	r1, _ := wc1.Get(desk.ID)
	r1.Fields["finish"] = "white"
	if err := wc1.Update(r1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Second context changes finish and width, and commits first.
	wc2 := e.NewContext(IsolationBackground)
	r2, _ := wc2.Get(desk.ID)
	r2.Fields["finish"] = "black"
	r2.Fields["width"] = 1.6
	if err := wc2.Update(r2); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := wc2.Commit(ctx); err != nil {
		t.Fatalf("interleaved commit failed: %v", err)
	}
	return e, wc1, desk.ID
}

func TestLastWriteWinsPerField(t *testing.T) {
	e, wc1, id := seedConflict(t, types.MergeLastWriteWins)

	if _, err := wc1.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := e.NewContext(IsolationDefault).Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// The conflicting field carries the last committed write.
	if got.Fields["finish"] != "white" {
		t.Errorf("finish = %v, want white (last write)", got.Fields["finish"])
	}
	// The field changed only by the interleaved commit survives the merge.
	if got.Fields["width"] != 1.6 {
		t.Errorf("width = %v, want 1.6 (unconflicting interleaved change preserved)", got.Fields["width"])
	}
}

func TestSurfacePolicyFailsCommit(t *testing.T) {
	e, wc1, id := seedConflict(t, types.MergeSurfaceConflicts)

	_, err := wc1.Commit(context.Background())
	var cerr *types.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("Commit error = %v, want ConflictError", err)
	}
	if cerr.RecordID != id {
		t.Errorf("RecordID = %s, want %s", cerr.RecordID, id)
	}
	if len(cerr.Fields) != 1 || cerr.Fields[0] != "finish" {
		t.Errorf("Fields = %v, want [finish]", cerr.Fields)
	}

	// Nothing was written: the interleaved commit's state stands.
	got, _ := e.NewContext(IsolationDefault).Get(id)
	if got.Fields["finish"] != "black" {
		t.Errorf("finish = %v, want black (surfaced commit must not write)", got.Fields["finish"])
	}
}
