// Package integrity implements the data integrity checker: category scans
// over the stored object graph, a weighted health score, and targeted repair
// of the defect classes that are safely fixable.
package integrity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ishabanya/ARchitect-sub003/internal/checksum"
	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// Limits bound the performance and storage scans. MinFreeDiskBytes and
// InboxDir are environment bindings for the health category; zero and empty
// disable the respective check.
type Limits struct {
	ValidThreshold       float64
	QuickSampleSize      int
	MaxRecordsPerProject int
	MaxPayloadBytes      int64
	MinFreeDiskBytes     int64
	InboxDir             string
}

// DefaultLimits mirror the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		ValidThreshold:       0.8,
		QuickSampleSize:      200,
		MaxRecordsPerProject: 10000,
		MaxPayloadBytes:      16 << 20,
		MinFreeDiskBytes:     64 << 20,
	}
}

// Checker runs integrity scans against an engine. Checks never mutate the
// store; two consecutive checks on an unmodified store report identical
// results.
type Checker struct {
	engine *store.Engine
	limits Limits

	mu        sync.Mutex
	lastCheck time.Time
	lastScore float64
}

// NewChecker creates a checker. Zero-valued scan bounds fall back to
// defaults; MinFreeDiskBytes and InboxDir stay as given.
func NewChecker(engine *store.Engine, limits Limits) *Checker {
	def := DefaultLimits()
	if limits.ValidThreshold <= 0 {
		limits.ValidThreshold = def.ValidThreshold
	}
	if limits.QuickSampleSize <= 0 {
		limits.QuickSampleSize = def.QuickSampleSize
	}
	if limits.MaxRecordsPerProject <= 0 {
		limits.MaxRecordsPerProject = def.MaxRecordsPerProject
	}
	if limits.MaxPayloadBytes <= 0 {
		limits.MaxPayloadBytes = def.MaxPayloadBytes
	}
	return &Checker{engine: engine, limits: limits}
}

// ProgressFunc receives per-category progress during a full check.
type ProgressFunc func(stage string, fraction float64)

// FullCheck scans every category over a consistent snapshot of the committed
// records. Categories run in parallel; cancellation stops the remaining ones
// and the partial result is discarded.
func (c *Checker) FullCheck(ctx context.Context, progress ProgressFunc) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryIntegrity, "FullCheck")
	defer timer.Stop()

	start := time.Now()
	records, err := c.engine.ListRecords(store.Predicate{})
	if err != nil {
		return nil, err
	}

	categories := []struct {
		name string
		run  func(context.Context, []*types.Record) ([]types.IntegrityIssue, error)
	}{
		{"consistency", c.checkConsistency},
		{"relationships", c.checkRelationships},
		{"corruption", c.checkCorruption},
		{"performance", c.checkPerformance},
		{"health", c.checkHealth},
	}

	results := make([][]types.IntegrityIssue, len(categories))
	var doneMu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i, cat := range categories {
		g.Go(func() error {
			issues, err := cat.run(gctx, records)
			if err != nil {
				return fmt.Errorf("%s check failed: %w", cat.name, err)
			}
			results[i] = issues
			doneMu.Lock()
			done++
			if progress != nil {
				progress(cat.name, float64(done)/float64(len(categories)))
			}
			doneMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []types.IntegrityIssue
	for _, issues := range results {
		all = append(all, issues...)
	}
	sortIssues(all)

	report := c.buildReport(all, start)
	logging.Get(logging.CategoryIntegrity).Infof("full check: score %.2f, %d issues in %s",
		report.OverallScore, report.TotalIssues, report.Duration)
	return report, nil
}

// QuickCheck scans a bounded, deterministic sample of records for the cheap
// defect classes (consistency and corruption). Meant for the periodic
// background tick.
func (c *Checker) QuickCheck(ctx context.Context) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryIntegrity, "QuickCheck")
	defer timer.Stop()

	start := time.Now()
	records, err := c.sampleRecords(c.limits.QuickSampleSize)
	if err != nil {
		return nil, err
	}

	var all []types.IntegrityIssue
	for _, run := range []func(context.Context, []*types.Record) ([]types.IntegrityIssue, error){
		c.checkConsistency, c.checkCorruption,
	} {
		issues, err := run(ctx, records)
		if err != nil {
			return nil, err
		}
		all = append(all, issues...)
	}
	sortIssues(all)
	return c.buildReport(all, start), nil
}

// sampleRecords returns up to n committed records ordered by id, so repeated
// quick checks over an unmodified store see the same sample.
func (c *Checker) sampleRecords(n int) ([]*types.Record, error) {
	all, err := c.engine.ListRecords(store.Predicate{})
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// checkConsistency validates structural rules: required fields, project
// membership, entity duplicates within a project.
func (c *Checker) checkConsistency(ctx context.Context, records []*types.Record) ([]types.IntegrityIssue, error) {
	var issues []types.IntegrityIssue

	exists := make(map[string]*types.Record, len(records))
	for _, rec := range records {
		exists[rec.ID] = rec
	}

	type dupKey struct{ project, entity, name string }
	seen := make(map[dupKey]string)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name, _ := rec.Fields["name"].(string)
		if name == "" {
			issues = append(issues, types.IntegrityIssue{
				Type:       types.IssueInvalidField,
				Severity:   types.SeverityWarning,
				RecordID:   rec.ID,
				Message:    fmt.Sprintf("%s %s is missing required field name", rec.EntityType, rec.ID),
				Repairable: true,
				Remedy:     "reset the field to a placeholder default",
			})
		}

		if rec.EntityType != types.EntityCatalogItem && !rec.IsProjectRoot() {
			if rec.ProjectID == "" {
				issues = append(issues, types.IntegrityIssue{
					Type:       types.IssueOrphanedRecord,
					Severity:   types.SeverityWarning,
					RecordID:   rec.ID,
					Message:    fmt.Sprintf("%s %s belongs to no project", rec.EntityType, rec.ID),
					Repairable: true,
					Remedy:     "delete the orphaned record",
				})
			} else if owner, ok := exists[rec.ProjectID]; !ok {
				issues = append(issues, types.IntegrityIssue{
					Type:       types.IssueOrphanedRecord,
					Severity:   types.SeverityWarning,
					RecordID:   rec.ID,
					Message:    fmt.Sprintf("%s %s references missing project %s", rec.EntityType, rec.ID, rec.ProjectID),
					Repairable: true,
					Remedy:     "delete the orphaned record",
				})
			} else if !owner.IsProjectRoot() {
				issues = append(issues, types.IntegrityIssue{
					Type:       types.IssueInconsistentState,
					Severity:   types.SeverityWarning,
					RecordID:   rec.ID,
					Message:    fmt.Sprintf("%s %s names %s as its project, but that record is a %s", rec.EntityType, rec.ID, rec.ProjectID, owner.EntityType),
					Repairable: true,
					Remedy:     "delete the misattached record",
				})
			}
		}

		if name != "" {
			key := dupKey{project: rec.ProjectID, entity: rec.EntityType, name: name}
			if firstID, dup := seen[key]; dup {
				issues = append(issues, types.IntegrityIssue{
					Type:       types.IssueDuplicateEntity,
					Severity:   types.SeverityWarning,
					RecordID:   rec.ID,
					Message:    fmt.Sprintf("%s %q duplicated in project %s (first: %s)", rec.EntityType, name, rec.ProjectID, firstID),
					Repairable: true,
					Remedy:     "delete the later duplicate",
				})
			} else {
				seen[key] = rec.ID
			}
		}
	}
	return issues, nil
}

// checkRelationships finds references whose target no longer exists.
func (c *Checker) checkRelationships(ctx context.Context, records []*types.Record) ([]types.IntegrityIssue, error) {
	var issues []types.IntegrityIssue

	exists := make(map[string]struct{}, len(records))
	for _, rec := range records {
		exists[rec.ID] = struct{}{}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, rel := range rec.Relationships {
			if _, ok := exists[rel.TargetID]; !ok {
				issues = append(issues, types.IntegrityIssue{
					Type:       types.IssueMissingRelationship,
					Severity:   types.SeverityWarning,
					RecordID:   rec.ID,
					Message:    fmt.Sprintf("record %s relationship %q targets missing record %s", rec.ID, rel.Name, rel.TargetID),
					Repairable: true,
					Remedy:     "drop the dangling relationship",
				})
			}
		}
	}
	return issues, nil
}

// checkCorruption verifies per-record content hashes and snapshot payload
// checksums.
func (c *Checker) checkCorruption(ctx context.Context, records []*types.Record) ([]types.IntegrityIssue, error) {
	var issues []types.IntegrityIssue

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		want, err := store.RecordChecksum(rec)
		if err != nil {
			return nil, err
		}
		if rec.Checksum != want {
			issues = append(issues, types.IntegrityIssue{
				Type:       types.IssueCorruptedChecksum,
				Severity:   types.SeverityCritical,
				RecordID:   rec.ID,
				Message:    fmt.Sprintf("record %s content does not match its stored checksum", rec.ID),
				Repairable: true,
				Remedy:     "recompute the checksum from current content",
			})
		}
	}

	rows, err := c.engine.DB().Query("SELECT id, version, payload, checksum FROM snapshots ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, sum string
		var version int64
		var payload []byte
		if err := rows.Scan(&id, &version, &payload, &sum); err != nil {
			return nil, err
		}
		if !checksum.Verify(payload, sum) {
			issues = append(issues, types.IntegrityIssue{
				Type:       types.IssueCorruptedChecksum,
				Severity:   types.SeverityCritical,
				RecordID:   id,
				Message:    fmt.Sprintf("snapshot %s (v%d) payload fails its checksum", id, version),
				Repairable: false,
				Remedy:     "delete the corrupted snapshot; it cannot be restored",
			})
		}
	}
	return issues, rows.Err()
}

// checkPerformance flags aggregates that have outgrown comfortable bounds.
func (c *Checker) checkPerformance(ctx context.Context, records []*types.Record) ([]types.IntegrityIssue, error) {
	var issues []types.IntegrityIssue

	perProject := make(map[string]int)
	for _, rec := range records {
		if rec.ProjectID != "" {
			perProject[rec.ProjectID]++
		}
	}
	projects := make([]string, 0, len(perProject))
	for p := range perProject {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n := perProject[p]; n > c.limits.MaxRecordsPerProject {
			issues = append(issues, types.IntegrityIssue{
				Type:     types.IssuePerformance,
				Severity: types.SeverityInfo,
				RecordID: p,
				Message:  fmt.Sprintf("project %s holds %d records (advisory bound %d)", p, n, c.limits.MaxRecordsPerProject),
				Remedy:   "split the project or archive unused records",
			})
		}
	}

	rows, err := c.engine.DB().Query("SELECT id, version, LENGTH(payload) FROM snapshots ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var version, size int64
		if err := rows.Scan(&id, &version, &size); err != nil {
			return nil, err
		}
		if size > c.limits.MaxPayloadBytes {
			issues = append(issues, types.IntegrityIssue{
				Type:     types.IssueStorage,
				Severity: types.SeverityWarning,
				RecordID: id,
				Message:  fmt.Sprintf("snapshot %s (v%d) payload is %d bytes, over the %d byte bound", id, version, size, c.limits.MaxPayloadBytes),
				Remedy:   "delete old automatic snapshots or reduce project size",
			})
		}
	}
	return issues, rows.Err()
}

// checkHealth covers store-level conditions: schema currency, WAL growth,
// free disk space, sync inbox reachability, projects with no version history.
func (c *Checker) checkHealth(ctx context.Context, records []*types.Record) ([]types.IntegrityIssue, error) {
	var issues []types.IntegrityIssue
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	version, err := store.SchemaVersion(c.engine.DB())
	if err == nil && version != store.CurrentSchemaVersion {
		issues = append(issues, types.IntegrityIssue{
			Type:     types.IssueInconsistentState,
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("store schema is %s, application expects %s", version, store.CurrentSchemaVersion),
			Remedy:   "run the migration engine",
		})
	}

	if path := c.engine.Path(); path != ":memory:" {
		if main, err := os.Stat(path); err == nil {
			if wal, err := os.Stat(path + "-wal"); err == nil && wal.Size() > main.Size() && wal.Size() > 4<<20 {
				issues = append(issues, types.IntegrityIssue{
					Type:     types.IssueStorage,
					Severity: types.SeverityInfo,
					Message:  fmt.Sprintf("write-ahead log has grown to %d bytes", wal.Size()),
					Remedy:   "checkpoint the store (happens automatically on close)",
				})
			}
		}

		if c.limits.MinFreeDiskBytes > 0 {
			var fs unix.Statfs_t
			if err := unix.Statfs(filepath.Dir(path), &fs); err == nil {
				if free := int64(fs.Bavail) * int64(fs.Bsize); free < c.limits.MinFreeDiskBytes {
					issues = append(issues, types.IntegrityIssue{
						Type:     types.IssueStorage,
						Severity: types.SeverityWarning,
						Message:  fmt.Sprintf("only %d bytes free on the store volume (minimum %d)", free, c.limits.MinFreeDiskBytes),
						Remedy:   "free disk space or prune old backups and snapshots",
					})
				}
			}
		}
	}

	if dir := c.limits.InboxDir; dir != "" {
		info, err := os.Stat(dir)
		switch {
		case os.IsNotExist(err):
			issues = append(issues, types.IntegrityIssue{
				Type:     types.IssueSync,
				Severity: types.SeverityInfo,
				Message:  fmt.Sprintf("sync inbox %s does not exist yet", dir),
				Remedy:   "run the watch service to create it",
			})
		case err != nil:
			issues = append(issues, types.IntegrityIssue{
				Type:     types.IssueSync,
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("sync inbox %s is unreachable: %v", dir, err),
				Remedy:   "check permissions on the data directory",
			})
		case !info.IsDir():
			issues = append(issues, types.IntegrityIssue{
				Type:     types.IssueSync,
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("sync inbox %s is not a directory", dir),
				Remedy:   "remove the obstructing file",
			})
		case unix.Access(dir, unix.W_OK) != nil:
			issues = append(issues, types.IntegrityIssue{
				Type:     types.IssueSync,
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("sync inbox %s is not writable", dir),
				Remedy:   "fix permissions so change documents can be renamed after merge",
			})
		}
	}

	snapped := make(map[string]bool)
	rows, err := c.engine.DB().Query("SELECT DISTINCT project_id FROM snapshots")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		snapped[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.IsProjectRoot() && !snapped[rec.ID] {
			issues = append(issues, types.IntegrityIssue{
				Type:     types.IssueBackup,
				Severity: types.SeverityInfo,
				RecordID: rec.ID,
				Message:  fmt.Sprintf("project %s has no version snapshot", rec.ID),
				Remedy:   "create a manual snapshot",
			})
		}
	}
	return issues, nil
}

// sortIssues orders issues deterministically so repeated checks compare equal.
func sortIssues(issues []types.IntegrityIssue) {
	sort.Slice(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.RecordID != b.RecordID {
			return a.RecordID < b.RecordID
		}
		return a.Message < b.Message
	})
}

// Recommendations derives operator guidance from the issue mix.
func Recommendations(issues []types.IntegrityIssue) []string {
	byType := make(map[types.IssueType]int)
	for _, is := range issues {
		byType[is.Type]++
	}
	var recs []string
	add := func(t types.IssueType, msg string) {
		if byType[t] > 0 {
			recs = append(recs, msg)
		}
	}
	add(types.IssueCorruptedChecksum, "run a repair pass to restore checksum integrity")
	add(types.IssueOrphanedRecord, "repair will remove records detached from any project")
	add(types.IssueMissingRelationship, "repair will drop relationships whose targets are gone")
	add(types.IssueDuplicateEntity, "review duplicated entities before repairing; the later copy is removed")
	add(types.IssueInconsistentState, "check the store's schema version and misattached records")
	add(types.IssueStorage, "prune old snapshots to reclaim space")
	add(types.IssuePerformance, "consider splitting oversized projects")
	if len(recs) == 0 && len(issues) == 0 {
		recs = append(recs, "store is healthy; no action needed")
	}
	return recs
}

func joinIssueIDs(issues []types.IntegrityIssue) string {
	ids := make([]string, 0, len(issues))
	for _, is := range issues {
		if is.RecordID != "" {
			ids = append(ids, is.RecordID)
		}
	}
	return strings.Join(ids, ", ")
}
