package integrity

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

func newTestEngine(t *testing.T) *store.Engine {
	t.Helper()
	e, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "integrity.db")})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func commitRecords(t *testing.T, e *store.Engine, recs ...*types.Record) {
	t.Helper()
	wc := e.NewContext(store.IsolationDefault)
	for _, rec := range recs {
		_, err := wc.Create(rec)
		require.NoError(t, err)
	}
	_, err := wc.Commit(context.Background())
	require.NoError(t, err)
}

func TestScoreFormula(t *testing.T) {
	crit := types.IntegrityIssue{Severity: types.SeverityCritical}
	warn := types.IntegrityIssue{Severity: types.SeverityWarning}
	info := types.IntegrityIssue{Severity: types.SeverityInfo}

	assert.Equal(t, 1.0, Score(nil))
	assert.InDelta(t, 0.95, Score([]types.IntegrityIssue{crit}), 1e-9)
	assert.InDelta(t, 0.97, Score([]types.IntegrityIssue{warn}), 1e-9)
	assert.InDelta(t, 0.99, Score([]types.IntegrityIssue{info}), 1e-9)
	assert.InDelta(t, 0.91, Score([]types.IntegrityIssue{crit, warn, info}), 1e-9)

	// Enough criticals drive the score to zero, never below.
	many := make([]types.IntegrityIssue, 25)
	for i := range many {
		many[i] = crit
	}
	assert.Equal(t, 0.0, Score(many))
}

func TestCleanStoreIsValid(t *testing.T) {
	e := newTestEngine(t)
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "clean"}},
		&types.Record{ProjectID: "p1", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "sofa"}},
	)
	checker := NewChecker(e, Limits{})

	report, err := checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	// The only advisory is the project's missing version history.
	assert.InDelta(t, 0.99, report.OverallScore, 1e-9)
	for _, is := range report.Issues {
		assert.Equal(t, types.SeverityInfo, is.Severity)
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "twice"}},
		&types.Record{ID: "f1", ProjectID: "p1", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "desk"}},
	)
	// Orphan f1 directly so the check has something to find.
	_, err := e.DB().Exec("UPDATE records SET project_id = 'gone' WHERE id = 'f1'")
	require.NoError(t, err)

	checker := NewChecker(e, Limits{})
	first, err := checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	second, err := checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.OverallScore, second.OverallScore)
	if diff := cmp.Diff(first.Issues, second.Issues); diff != "" {
		t.Errorf("issue lists differ between identical checks:\n%s", diff)
	}
}

func TestDetectsAndRepairsOrphan(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "home"}},
		&types.Record{ID: "f1", ProjectID: "p1", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "shelf"}},
	)
	_, err := e.DB().Exec("UPDATE records SET project_id = 'deleted-project' WHERE id = 'f1'")
	require.NoError(t, err)

	checker := NewChecker(e, Limits{})
	report, err := checker.FullCheck(ctx, nil)
	require.NoError(t, err)
	require.Positive(t, report.IssuesByType[types.IssueOrphanedRecord])

	rec, err := checker.Repair(ctx, report.Issues, false)
	require.NoError(t, err)
	assert.Equal(t, rec.Repaired, rec.Attempted)
	assert.Zero(t, rec.Failed)

	after, err := checker.FullCheck(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, after.IssuesByType[types.IssueOrphanedRecord])
	if got, _ := e.NewContext(store.IsolationDefault).Get("f1"); got != nil {
		t.Error("orphaned record should be deleted by repair")
	}

	// The repair pass is on the audit trail.
	history, err := checker.RepairHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.Repaired, history[0].Repaired)
}

func TestRepairsCorruptedChecksum(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
	)
	_, err := e.DB().Exec("UPDATE records SET checksum = 'bogus' WHERE id = 'p1'")
	require.NoError(t, err)

	checker := NewChecker(e, Limits{ValidThreshold: 0.95})
	report, err := checker.FullCheck(ctx, nil)
	require.NoError(t, err)
	require.Positive(t, report.IssuesByType[types.IssueCorruptedChecksum])
	assert.False(t, report.Valid, "a critical should drop the score under the bar")

	_, err = checker.Repair(ctx, report.Issues, false)
	require.NoError(t, err)

	after, err := checker.FullCheck(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, after.IssuesByType[types.IssueCorruptedChecksum])
}

func TestAutomaticModeSkipsCriticals(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
	)
	_, err := e.DB().Exec("UPDATE records SET checksum = 'bogus' WHERE id = 'p1'")
	require.NoError(t, err)

	checker := NewChecker(e, Limits{})
	report, err := checker.FullCheck(ctx, nil)
	require.NoError(t, err)

	rec, err := checker.Repair(ctx, report.Issues, true)
	require.NoError(t, err)
	assert.Zero(t, rec.Attempted, "automatic repair must not touch critical issues")

	after, err := checker.FullCheck(ctx, nil)
	require.NoError(t, err)
	assert.Positive(t, after.IssuesByType[types.IssueCorruptedChecksum])
}

func TestDetectsDanglingRelationship(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
		&types.Record{ID: "r1", ProjectID: "p1", EntityType: types.EntityRoom, Fields: map[string]any{"name": "hall"}},
		&types.Record{
			ID: "f1", ProjectID: "p1", EntityType: types.EntityFurniture,
			Fields:        map[string]any{"name": "rug"},
			Relationships: []types.Relationship{{Name: "in_room", TargetID: "r1"}},
		},
	)
	// Remove the room behind the commit path's back.
	_, err := e.DB().Exec("DELETE FROM records WHERE id = 'r1'")
	require.NoError(t, err)

	checker := NewChecker(e, Limits{})
	report, err := checker.FullCheck(ctx, nil)
	require.NoError(t, err)
	require.Positive(t, report.IssuesByType[types.IssueMissingRelationship])

	_, err = checker.Repair(ctx, report.Issues, false)
	require.NoError(t, err)

	got, err := e.NewContext(store.IsolationDefault).Get("f1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Relationships, "dangling relationship should be dropped")
}

func TestDetectsDuplicateEntities(t *testing.T) {
	e := newTestEngine(t)
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
		&types.Record{ID: "f1", ProjectID: "p1", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "twin"}},
		&types.Record{ID: "f2", ProjectID: "p1", EntityType: types.EntityFurniture, Fields: map[string]any{"name": "twin"}},
	)
	checker := NewChecker(e, Limits{})
	report, err := checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IssuesByType[types.IssueDuplicateEntity])
}

func TestHealthFlagsLowDiskSpace(t *testing.T) {
	e := newTestEngine(t)
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
	)

	// An impossible floor guarantees the volume is always below it.
	checker := NewChecker(e, Limits{MinFreeDiskBytes: 1 << 62})
	report, err := checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Positive(t, report.IssuesByType[types.IssueStorage])

	// With the check disabled the issue disappears.
	checker = NewChecker(e, Limits{})
	report, err = checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, report.IssuesByType[types.IssueStorage])
}

func TestHealthFlagsUnreachableInbox(t *testing.T) {
	e := newTestEngine(t)
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
	)
	dir := t.TempDir()

	// Missing inbox is advisory only.
	checker := NewChecker(e, Limits{InboxDir: filepath.Join(dir, "inbox")})
	report, err := checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IssuesByType[types.IssueSync])

	// A file squatting on the inbox path is a real problem.
	obstruction := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(obstruction, []byte("x"), 0644))
	checker = NewChecker(e, Limits{InboxDir: obstruction})
	report, err = checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.IssuesByType[types.IssueSync])
	for _, is := range report.Issues {
		if is.Type == types.IssueSync {
			assert.Equal(t, types.SeverityWarning, is.Severity)
		}
	}

	// A present, writable directory is healthy.
	inbox := filepath.Join(dir, "ready")
	require.NoError(t, os.Mkdir(inbox, 0755))
	checker = NewChecker(e, Limits{InboxDir: inbox})
	report, err = checker.FullCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, report.IssuesByType[types.IssueSync])
}

func TestQuickCheckBoundsSample(t *testing.T) {
	e := newTestEngine(t)
	recs := []*types.Record{
		{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "big"}},
	}
	for i := 0; i < 20; i++ {
		recs = append(recs, &types.Record{
			ProjectID:  "p1",
			EntityType: types.EntityFurniture,
			Fields:     map[string]any{"name": string(rune('a' + i))},
		})
	}
	commitRecords(t, e, recs...)

	checker := NewChecker(e, Limits{QuickSampleSize: 5})
	report, err := checker.QuickCheck(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, report)
}

func TestFullCheckReportsProgress(t *testing.T) {
	e := newTestEngine(t)
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
	)
	checker := NewChecker(e, Limits{})

	var mu sync.Mutex
	var stages []string
	var last float64
	_, err := checker.FullCheck(context.Background(), func(stage string, fraction float64) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, stage)
		last = fraction
	})
	require.NoError(t, err)
	assert.Len(t, stages, 5)
	assert.Equal(t, 1.0, last)
}

func TestFullCheckCancellation(t *testing.T) {
	e := newTestEngine(t)
	commitRecords(t, e,
		&types.Record{ID: "p1", EntityType: types.EntityProject, Fields: map[string]any{"name": "x"}},
	)
	checker := NewChecker(e, Limits{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := checker.FullCheck(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
