package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

func writeChangeSet(t *testing.T, dir, name string, cs *ExternalChangeSet) string {
	t.Helper()
	data, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("marshal change set: %v", err)
	}
	// Write via temp+rename so the watcher never reads a partial file.
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		t.Fatalf("write change set: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename change set: %v", err)
	}
	return path
}

func waitForSuffix(t *testing.T, path, suffix string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	target := path[:len(path)-len(".json")] + suffix
	for time.Now().Before(deadline) {
		if _, err := os.Stat(target); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", target)
}

func TestInboxWatcherMergesDroppedDocuments(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Engine closed via defer, not t.Cleanup, so the leak check runs last.
	e, err := Open(Options{Path: filepath.Join(t.TempDir(), "watch.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()
	inbox := filepath.Join(t.TempDir(), "inbox")

	iw, err := NewInboxWatcher(e, inbox)
	if err != nil {
		t.Fatalf("NewInboxWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := iw.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer iw.Stop()

	good := writeChangeSet(t, inbox, "change-1.json", &ExternalChangeSet{
		Source: "phone",
		Inserts: []types.Record{
			{ID: "p-sync", ProjectID: "p-sync", EntityType: types.EntityProject, Fields: map[string]any{"name": "synced"}},
		},
	})
	waitForSuffix(t, good, ".applied")

	got, err := e.NewContext(IsolationDefault).Get("p-sync")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("merged record not found")
	}

	// An invalid document lands as .rejected and leaves no trace.
	bad := writeChangeSet(t, inbox, "change-2.json", &ExternalChangeSet{
		Source:  "phone",
		Inserts: []types.Record{{ID: "f-bad", ProjectID: "missing", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "x"}}},
	})
	waitForSuffix(t, bad, ".rejected")
	if rec, _ := e.NewContext(IsolationDefault).Get("f-bad"); rec != nil {
		t.Error("rejected document left a record behind")
	}

	stats := iw.Stats()
	if stats.ChangesMerged != 1 || stats.Rejected != 1 {
		t.Errorf("stats = %+v, want 1 merged and 1 rejected", stats)
	}
}

func TestInboxWatcherDrainsExistingOnStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, err := Open(Options{Path: filepath.Join(t.TempDir(), "drain.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()
	inbox := filepath.Join(t.TempDir(), "inbox")
	if err := os.MkdirAll(inbox, 0755); err != nil {
		t.Fatal(err)
	}

	// Document present before the watcher starts.
	pending := writeChangeSet(t, inbox, "pending.json", &ExternalChangeSet{
		Source: "desktop",
		Inserts: []types.Record{
			{ID: "p-pending", ProjectID: "p-pending", EntityType: types.EntityProject, Fields: map[string]any{"name": "stranded"}},
		},
	})

	iw, err := NewInboxWatcher(e, inbox)
	if err != nil {
		t.Fatalf("NewInboxWatcher failed: %v", err)
	}
	ctx := context.Background()
	if err := iw.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer iw.Stop()

	waitForSuffix(t, pending, ".applied")
	if rec, _ := e.NewContext(IsolationDefault).Get("p-pending"); rec == nil {
		t.Error("pre-existing document was not merged on start")
	}
}
