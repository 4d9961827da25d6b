package versions

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// AutoSaver subscribes to the engine's commit bus, accumulates per-project
// change volume, and on each scheduled tick commits pending default-context
// work and snapshots projects whose accumulated changes crossed the
// significant-change threshold. Rate limiting stays with the manager: a tick
// that fires too soon leaves the counter intact and retries next tick.
type AutoSaver struct {
	engine    *store.Engine
	versions  *Manager
	schedule  string
	threshold int

	cron   *cron.Cron
	cancel func()
	done   chan struct{}

	mu      sync.Mutex
	changes map[string]int
	running bool
}

// NewAutoSaver wires an auto-saver to the engine and version manager.
// schedule is a cron expression ("@every 30s" by default upstream);
// threshold is the significant-change count that triggers a snapshot.
func NewAutoSaver(engine *store.Engine, versions *Manager, schedule string, threshold int) *AutoSaver {
	if threshold <= 0 {
		threshold = 10
	}
	return &AutoSaver{
		engine:    engine,
		versions:  versions,
		schedule:  schedule,
		threshold: threshold,
		changes:   make(map[string]int),
	}
}

// Start begins observing commits and schedules the tick. Idempotent.
func (as *AutoSaver) Start(ctx context.Context) error {
	as.mu.Lock()
	if as.running {
		as.mu.Unlock()
		return nil
	}
	as.running = true
	as.mu.Unlock()

	ch, cancel := as.engine.Subscribe()
	as.cancel = cancel
	as.done = make(chan struct{})

	go func() {
		defer close(as.done)
		for summary := range ch {
			as.record(summary)
		}
	}()

	as.cron = cron.New()
	if _, err := as.cron.AddFunc(as.schedule, func() { as.tick(ctx) }); err != nil {
		cancel()
		<-as.done
		as.mu.Lock()
		as.running = false
		as.mu.Unlock()
		return err
	}
	as.cron.Start()

	logging.Get(logging.CategoryVersions).Infof("auto-save scheduled (%s, threshold %d)", as.schedule, as.threshold)
	return nil
}

// Stop halts the schedule and the bus subscription, waiting for in-flight
// work to finish.
func (as *AutoSaver) Stop() {
	as.mu.Lock()
	if !as.running {
		as.mu.Unlock()
		return
	}
	as.running = false
	as.mu.Unlock()

	stopCtx := as.cron.Stop()
	<-stopCtx.Done()
	as.cancel()
	<-as.done
}

// PendingChanges returns the accumulated change count for a project.
func (as *AutoSaver) PendingChanges(projectID string) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.changes[projectID]
}

func (as *AutoSaver) record(summary types.CommitSummary) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, p := range summary.ProjectIDs {
		as.changes[p] += summary.ChangeCount()
	}
}

// tick runs one auto-save pass. It first commits the default context if it
// has pending work, so a user who stopped editing mid-session still gets a
// durable state, then snapshots every project over the threshold.
func (as *AutoSaver) tick(ctx context.Context) {
	log := logging.Get(logging.CategoryVersions)

	def := as.engine.Default()
	if def.Dirty() {
		if _, err := def.Commit(ctx); err != nil {
			log.Warnf("auto-save commit of pending changes failed: %v", err)
		}
	}

	as.mu.Lock()
	due := make([]string, 0, len(as.changes))
	for p, n := range as.changes {
		if n >= as.threshold {
			due = append(due, p)
		}
	}
	as.mu.Unlock()

	for _, projectID := range due {
		_, err := as.versions.Create(ctx, projectID, types.SnapshotAutomatic, "auto-save", "")
		if errors.Is(err, types.ErrTooFrequent) {
			// Counter stays; the next tick retries once the interval elapses.
			continue
		}
		if err != nil {
			log.Warnf("auto-save snapshot for project %s failed: %v", projectID, err)
			continue
		}
		as.mu.Lock()
		as.changes[projectID] = 0
		as.mu.Unlock()
	}
}
