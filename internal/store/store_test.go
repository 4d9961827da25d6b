package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func createProject(t *testing.T, wc *WorkingContext, name string) *types.Record {
	t.Helper()
	rec, err := wc.Create(&types.Record{
		EntityType: types.EntityProject,
		Fields:     map[string]any{"name": name},
	})
	if err != nil {
		t.Fatalf("Create project failed: %v", err)
	}
	return rec
}

func createFurniture(t *testing.T, wc *WorkingContext, projectID, name string) *types.Record {
	t.Helper()
	rec, err := wc.Create(&types.Record{
		ProjectID:  projectID,
		EntityType: types.EntityFurniture,
		Fields:     map[string]any{"name": name, "finish": "oak"},
	})
	if err != nil {
		t.Fatalf("Create furniture failed: %v", err)
	}
	return rec
}

func TestCommitMakesRecordsDurable(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	wc := e.NewContext(IsolationDefault)
	project := createProject(t, wc, "living room")
	sofa := createFurniture(t, wc, project.ID, "sofa")

	if !wc.Dirty() {
		t.Fatal("context with staged creates should be dirty")
	}

	summary, err := wc.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if summary.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", summary.Inserted)
	}
	if wc.Dirty() {
		t.Error("context should be clean after commit")
	}

	// A fresh context must see the committed state.
	other := e.NewContext(IsolationBackground)
	got, err := other.Get(sofa.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("committed record not visible")
	}
	if got.Fields["name"] != "sofa" {
		t.Errorf("name = %v, want sofa", got.Fields["name"])
	}
	if got.ProjectID != project.ID {
		t.Errorf("ProjectID = %s, want %s", got.ProjectID, project.ID)
	}

	// Stored checksum covers the committed content.
	want, err := RecordChecksum(got)
	if err != nil {
		t.Fatalf("RecordChecksum failed: %v", err)
	}
	if got.Checksum != want {
		t.Error("stored checksum does not match content")
	}
}

func TestProjectRootOwnsItself(t *testing.T) {
	e := openTestEngine(t)
	wc := e.NewContext(IsolationDefault)
	project := createProject(t, wc, "studio")
	if project.ProjectID != project.ID {
		t.Errorf("project root should own itself, got ProjectID %s", project.ProjectID)
	}
}

func TestCommitValidation(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	t.Run("missing required field", func(t *testing.T) {
		wc := e.NewContext(IsolationDefault)
		defer wc.Close()
		if _, err := wc.Create(&types.Record{EntityType: types.EntityProject, Fields: map[string]any{}}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		_, err := wc.Commit(ctx)
		var verr *types.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Commit error = %v, want ValidationError", err)
		}
		if verr.Field != "name" {
			t.Errorf("Field = %s, want name", verr.Field)
		}
	})

	t.Run("nonexistent project", func(t *testing.T) {
		wc := e.NewContext(IsolationDefault)
		defer wc.Close()
		if _, err := wc.Create(&types.Record{
			ProjectID:  "no-such-project",
			EntityType: types.EntityRoom,
			Fields:     map[string]any{"name": "kitchen"},
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		_, err := wc.Commit(ctx)
		var verr *types.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Commit error = %v, want ValidationError", err)
		}
	})

	t.Run("dangling relationship target", func(t *testing.T) {
		wc := e.NewContext(IsolationDefault)
		defer wc.Close()
		project := createProject(t, wc, "flat")
		if _, err := wc.Create(&types.Record{
			ProjectID:     project.ID,
			EntityType:    types.EntityFurniture,
			Fields:        map[string]any{"name": "chair"},
			Relationships: []types.Relationship{{Name: "in_room", TargetID: "ghost"}},
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := wc.Commit(ctx); err == nil {
			t.Fatal("commit with dangling relationship should fail")
		}
	})

	t.Run("nothing written on validation failure", func(t *testing.T) {
		recs, err := e.ListRecords(Predicate{EntityType: types.EntityRoom})
		if err != nil {
			t.Fatalf("ListRecords failed: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("found %d rooms after failed commits, want 0", len(recs))
		}
	})
}

func TestDeleteRecord(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	wc := e.NewContext(IsolationDefault)
	project := createProject(t, wc, "loft")
	lamp := createFurniture(t, wc, project.ID, "lamp")
	if _, err := wc.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := wc.Delete(lamp.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// Staged deletion hides the record from this context.
	if got, _ := wc.Get(lamp.ID); got != nil {
		t.Error("deleted record still visible before commit")
	}
	summary, err := wc.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if summary.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", summary.Deleted)
	}
	if got, _ := e.NewContext(IsolationDefault).Get(lamp.ID); got != nil {
		t.Error("deleted record still durable")
	}
}

func TestGenerationBumpsOnCommit(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	before := e.Generation()
	wc := e.NewContext(IsolationDefault)
	createProject(t, wc, "gen")
	if _, err := wc.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if e.Generation() != before+1 {
		t.Errorf("generation = %d, want %d", e.Generation(), before+1)
	}
}

func TestCommitBusPublishesSummaries(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	ch, cancel := e.Subscribe()
	defer cancel()

	wc := e.NewContext(IsolationDefault)
	project := createProject(t, wc, "bus")
	if _, err := wc.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	summary := <-ch
	if summary.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", summary.Inserted)
	}
	if summary.Origin != types.OriginLocal {
		t.Errorf("Origin = %s, want local", summary.Origin)
	}
	if len(summary.ProjectIDs) != 1 || summary.ProjectIDs[0] != project.ID {
		t.Errorf("ProjectIDs = %v, want [%s]", summary.ProjectIDs, project.ID)
	}
}

func TestBatchUpdateAndRefresh(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	wc := e.NewContext(IsolationDefault)
	project := createProject(t, wc, "batch")
	for _, name := range []string{"table", "desk", "shelf"} {
		createFurniture(t, wc, project.ID, name)
	}
	if _, err := wc.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	genBefore := e.Generation()
	n, err := e.BatchUpdate(ctx, Predicate{EntityType: types.EntityFurniture}, map[string]any{"finish": "walnut"})
	if err != nil {
		t.Fatalf("BatchUpdate failed: %v", err)
	}
	if n != 3 {
		t.Errorf("affected = %d, want 3", n)
	}
	if e.Generation() != genBefore+1 {
		t.Error("batch update should bump the generation")
	}

	recs, err := e.ListRecords(Predicate{EntityType: types.EntityFurniture})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	for _, rec := range recs {
		if rec.Fields["finish"] != "walnut" {
			t.Errorf("record %s finish = %v, want walnut", rec.ID, rec.Fields["finish"])
		}
		// Checksums must follow set-based rewrites.
		want, err := RecordChecksum(rec)
		if err != nil {
			t.Fatalf("RecordChecksum failed: %v", err)
		}
		if rec.Checksum != want {
			t.Errorf("record %s checksum stale after batch update", rec.ID)
		}
	}

	if err := wc.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
}

func TestBatchDeleteConvertsStagedUpdateToInsert(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	wc := e.NewContext(IsolationDefault)
	project := createProject(t, wc, "races")
	chair := createFurniture(t, wc, project.ID, "chair")
	if _, err := wc.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Stage an update, then remove the row underneath it.
	staged, _ := wc.Get(chair.ID)
	staged.Fields["finish"] = "teak"
	if err := wc.Update(staged); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := e.BatchDelete(ctx, Predicate{EntityType: types.EntityFurniture}); err != nil {
		t.Fatalf("BatchDelete failed: %v", err)
	}
	if err := wc.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	ins, upd, _ := wc.PendingCounts()
	if ins != 1 || upd != 0 {
		t.Fatalf("pending = %d inserts / %d updates, want the staged update converted to an insert", ins, upd)
	}
	if _, err := wc.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, _ := e.NewContext(IsolationDefault).Get(chair.ID)
	if got == nil || got.Fields["finish"] != "teak" {
		t.Error("staged state should survive the batch delete as a re-insert")
	}
}

func TestApplyExternalMergesThroughCommitPath(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	ch, cancel := e.Subscribe()
	defer cancel()

	cs := &ExternalChangeSet{
		Source: "tablet-sync",
		Inserts: []types.Record{
			{ID: "p-ext", ProjectID: "p-ext", EntityType: types.EntityProject, Fields: map[string]any{"name": "shared flat"}},
			{ID: "f-ext", ProjectID: "p-ext", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "bed"}},
		},
	}
	summary, err := e.ApplyExternal(ctx, cs)
	if err != nil {
		t.Fatalf("ApplyExternal failed: %v", err)
	}
	if summary.Origin != types.OriginExternal {
		t.Errorf("Origin = %s, want external", summary.Origin)
	}
	if got := <-ch; got.Origin != types.OriginExternal {
		t.Error("external commit not published on the bus")
	}

	// A rejected change set leaves nothing behind.
	bad := &ExternalChangeSet{
		Source:  "tablet-sync",
		Inserts: []types.Record{{ID: "f-bad", ProjectID: "nope", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "x"}}},
	}
	if _, err := e.ApplyExternal(ctx, bad); err == nil {
		t.Fatal("invalid external change set should be rejected")
	}
	if got, _ := e.NewContext(IsolationDefault).Get("f-bad"); got != nil {
		t.Error("rejected change set left a record behind")
	}
}

func TestEngineClosedErrors(t *testing.T) {
	e, err := Open(Options{Path: filepath.Join(t.TempDir(), "closed.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	wc := e.NewContext(IsolationDefault)
	createProject(t, wc, "late")
	e.Close()

	if _, err := wc.Commit(context.Background()); !errors.Is(err, types.ErrEngineClosed) {
		t.Errorf("Commit after close = %v, want ErrEngineClosed", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	e, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	wc := e.NewContext(IsolationDefault)
	project := createProject(t, wc, "persistent")
	if _, err := wc.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	e.Close()

	e2, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer e2.Close()
	got, err := e2.NewContext(IsolationDefault).Get(project.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Fields["name"] != "persistent" {
		t.Error("record did not survive reopen")
	}
}
