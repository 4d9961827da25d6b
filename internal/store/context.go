package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// IsolationLevel selects how a working context tracks the committed state.
type IsolationLevel int

const (
	// IsolationDefault is the interactive context: unstaged reads always see
	// the latest committed state, so externally committed changes merge in
	// automatically.
	IsolationDefault IsolationLevel = iota

	// IsolationBackground is used by long-running operations (migration,
	// integrity scan, export). Identical read semantics today; conflicts with
	// interleaved commits resolve through the engine's merge policy.
	IsolationBackground
)

// WorkingContext is an isolated, mutable staging area over the durable graph.
// Records are created, mutated and deleted only here and become durable on
// Commit. A context must not be shared across concurrent writers.
type WorkingContext struct {
	engine    *Engine
	isolation IsolationLevel

	mu         sync.Mutex
	generation uint64
	closed     bool

	inserted  map[string]*types.Record
	updated   map[string]*types.Record         // staged new values
	preimages map[string]*types.Record         // committed state at first staged update
	deleted   map[string]*types.Record         // staged deletions, clone kept for undelete
}

// NewContext returns a fresh isolated view over the committed graph.
func (e *Engine) NewContext(isolation IsolationLevel) *WorkingContext {
	return &WorkingContext{
		engine:     e,
		isolation:  isolation,
		generation: e.Generation(),
		inserted:   make(map[string]*types.Record),
		updated:    make(map[string]*types.Record),
		preimages:  make(map[string]*types.Record),
		deleted:    make(map[string]*types.Record),
	}
}

// NewReadContext returns a context for read-only collaborators (export,
// template rendering). Mutations on it still stage normally but such callers
// must not commit; they read through the same path as everything else.
func (e *Engine) NewReadContext() *WorkingContext {
	return e.NewContext(IsolationBackground)
}

// Create stages a new record. The id is assigned here when empty.
func (wc *WorkingContext) Create(rec *types.Record) (*types.Record, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return nil, types.ErrContextClosed
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	staged := rec.Clone()
	staged.Alive = true
	now := time.Now().UTC()
	staged.CreatedAt = now
	staged.UpdatedAt = now
	if staged.Fields == nil {
		staged.Fields = make(map[string]any)
	}
	// A project aggregate root owns itself.
	if staged.IsProjectRoot() && staged.ProjectID == "" {
		staged.ProjectID = staged.ID
	}
	delete(wc.deleted, staged.ID)
	wc.inserted[staged.ID] = staged
	return staged.Clone(), nil
}

// Get returns the record as seen by this context: staged state first, then
// the latest committed state.
func (wc *WorkingContext) Get(id string) (*types.Record, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.getLocked(id)
}

func (wc *WorkingContext) getLocked(id string) (*types.Record, error) {
	if wc.closed {
		return nil, types.ErrContextClosed
	}
	if _, gone := wc.deleted[id]; gone {
		return nil, nil
	}
	if rec, ok := wc.inserted[id]; ok {
		return rec.Clone(), nil
	}
	if rec, ok := wc.updated[id]; ok {
		return rec.Clone(), nil
	}
	rec, err := wc.engine.getRecord(wc.engine.db, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec, nil
}

// Update stages new field values and relationships for a record. The first
// update of a record captures its committed state as the pre-image used for
// savepoint rollback and commit-time conflict detection.
func (wc *WorkingContext) Update(rec *types.Record) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return types.ErrContextClosed
	}
	if _, gone := wc.deleted[rec.ID]; gone {
		return &types.ValidationError{RecordID: rec.ID, Reason: "record is staged for deletion"}
	}
	if _, ok := wc.inserted[rec.ID]; ok {
		staged := rec.Clone()
		staged.UpdatedAt = time.Now().UTC()
		wc.inserted[rec.ID] = staged
		return nil
	}
	if _, ok := wc.preimages[rec.ID]; !ok {
		committed, err := wc.engine.getRecord(wc.engine.db, rec.ID)
		if err != nil {
			return err
		}
		if committed == nil {
			return &types.ValidationError{RecordID: rec.ID, Reason: "record does not exist"}
		}
		wc.preimages[rec.ID] = committed
	}
	staged := rec.Clone()
	staged.UpdatedAt = time.Now().UTC()
	wc.updated[rec.ID] = staged
	return nil
}

// Delete stages removal of a record.
func (wc *WorkingContext) Delete(id string) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return types.ErrContextClosed
	}
	if rec, ok := wc.inserted[id]; ok {
		// Never committed; dropping the insert is the whole deletion.
		rec.Alive = false
		delete(wc.inserted, id)
		wc.deleted[id] = rec
		return nil
	}
	var clone *types.Record
	if staged, ok := wc.updated[id]; ok {
		clone = staged
		delete(wc.updated, id)
	} else {
		committed, err := wc.engine.getRecord(wc.engine.db, id)
		if err != nil {
			return err
		}
		if committed == nil {
			return &types.ValidationError{RecordID: id, Reason: "record does not exist"}
		}
		clone = committed
	}
	clone.Alive = false
	wc.deleted[id] = clone
	return nil
}

// Dirty reports whether the context has pending mutations.
func (wc *WorkingContext) Dirty() bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return len(wc.inserted)+len(wc.updated)+len(wc.deleted) > 0
}

// PendingCounts returns the staged insert/update/delete counts.
func (wc *WorkingContext) PendingCounts() (inserted, updated, deleted int) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return len(wc.inserted), len(wc.updated), len(wc.deleted)
}

// Refresh discards nothing staged but re-bases the context on the current
// engine generation. Called after batch mutations so stale reads are
// impossible; pre-images of staged updates are re-captured.
func (wc *WorkingContext) Refresh() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return types.ErrContextClosed
	}
	for id := range wc.preimages {
		committed, err := wc.engine.getRecord(wc.engine.db, id)
		if err != nil {
			return err
		}
		if committed == nil {
			// The committed row vanished under us (batch delete). The staged
			// update is now an insert of the staged state.
			if staged, ok := wc.updated[id]; ok {
				wc.inserted[id] = staged
				delete(wc.updated, id)
			}
			delete(wc.preimages, id)
			continue
		}
		wc.preimages[id] = committed
	}
	wc.generation = wc.engine.Generation()
	return nil
}

// Close discards all staged state.
func (wc *WorkingContext) Close() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.closed = true
	wc.inserted = nil
	wc.updated = nil
	wc.preimages = nil
	wc.deleted = nil
}

// Savepoint is an immutable capture of a context's pending changes, taken
// before a risky block. Rolling back to it reverses everything the block
// staged: newly inserted objects are un-inserted, updated objects get their
// captured values back, and deletions staged during the block are undone.
// Every staged record is captured by clone, so mutations the block applies to
// records staged before the capture are reversed too.
// A savepoint guards in-memory, not-yet-durable state only, is valid only for
// the context that produced it, and is consumed by RollbackTo.
type Savepoint struct {
	owner     *WorkingContext
	inserted  map[string]*types.Record
	updated   map[string]*types.Record
	preimages map[string]*types.Record
	deleted   map[string]*types.Record
	consumed  bool
}

func cloneRecords(src map[string]*types.Record) map[string]*types.Record {
	out := make(map[string]*types.Record, len(src))
	for id, rec := range src {
		out[id] = rec.Clone()
	}
	return out
}

// Savepoint captures the context's current pending state.
func (wc *WorkingContext) Savepoint() *Savepoint {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	return &Savepoint{
		owner:     wc,
		inserted:  cloneRecords(wc.inserted),
		updated:   cloneRecords(wc.updated),
		preimages: cloneRecords(wc.preimages),
		deleted:   cloneRecords(wc.deleted),
	}
}

// RollbackTo restores the context to exactly the captured pending state. The
// staging maps are rebuilt from the savepoint's clones, which covers inserts
// added, mutated or deleted during the block, updates staged or re-staged,
// and deletions staged or undone (a block re-creating a previously deleted
// id included). This is a compensating rollback of staged state, not a
// write-ahead log; committed rows are never touched.
func (wc *WorkingContext) RollbackTo(sp *Savepoint) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	if sp.owner != wc {
		return &types.ValidationError{Reason: "savepoint belongs to a different context"}
	}
	if sp.consumed {
		return types.ErrSavepointConsumed
	}
	sp.consumed = true
	if wc.closed {
		return types.ErrContextClosed
	}

	wc.inserted = cloneRecords(sp.inserted)
	wc.updated = cloneRecords(sp.updated)
	wc.preimages = cloneRecords(sp.preimages)
	wc.deleted = cloneRecords(sp.deleted)
	return nil
}
