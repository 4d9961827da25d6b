package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the recoverable failure classes. Callers discriminate
// with errors.Is; the struct errors below add per-failure detail via errors.As.
var (
	// ErrTooFrequent is returned when an automatic version snapshot is
	// requested before the minimum interval has elapsed.
	ErrTooFrequent = errors.New("automatic version requested too frequently")

	// ErrManualVersionProtected is returned when deletion of a manually
	// created snapshot is attempted. Manual snapshots are never pruned.
	ErrManualVersionProtected = errors.New("manual versions cannot be deleted")

	// ErrSavepointConsumed is returned when a savepoint is rolled back twice.
	// Savepoints are single-use and bound to the context that produced them.
	ErrSavepointConsumed = errors.New("savepoint already consumed")

	// ErrContextClosed is returned for operations on a closed working context.
	ErrContextClosed = errors.New("working context closed")

	// ErrEngineClosed is returned for operations on a closed engine.
	ErrEngineClosed = errors.New("storage engine closed")

	// ErrOperationTimeout is returned when a long-running operation exceeds
	// its bounded timeout instead of hanging.
	ErrOperationTimeout = errors.New("operation exceeded bounded timeout")
)

// ValidationError reports a bad field or relationship on a specific record.
// Recoverable; the commit that produced it is rejected without partial writes.
type ValidationError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for record %s: field %q: %s", e.RecordID, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed for record %s: %s", e.RecordID, e.Reason)
}

// ConflictError reports a concurrent-write collision surfaced by the
// MergeSurfaceConflicts policy.
type ConflictError struct {
	RecordID string
	Fields   []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent write conflict on record %s (fields: %s)", e.RecordID, strings.Join(e.Fields, ", "))
}

// CorruptionError reports a checksum mismatch or malformed stored payload.
// Never auto-healed silently; always surfaced to the caller.
type CorruptionError struct {
	Subject string // what was being verified (record id, snapshot id, backup id)
	Detail  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted data in %s: %s", e.Subject, e.Detail)
}

// ErrCorruptedVersion matches any snapshot corruption error.
var ErrCorruptedVersion = errors.New("corrupted version data")

// Is lets errors.Is(err, ErrCorruptedVersion) match CorruptionError values.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedVersion
}

// NoMigrationPathError reports that no chain of schema mappings connects the
// stored version to the requested one. Fatal to the migration request; the
// store is left untouched.
type NoMigrationPathError struct {
	From string
	To   string
}

func (e *NoMigrationPathError) Error() string {
	return fmt.Sprintf("no migration path from schema version %s to %s", e.From, e.To)
}

// RollbackError is the most severe failure class: an error encountered while
// undoing an already-failed operation. Once raised, software can no longer
// guarantee the store's consistency on its own.
type RollbackError struct {
	Op       string // the operation whose rollback failed
	Original error  // the failure that triggered the rollback
	Cause    error  // the rollback failure itself
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of %s failed: %v (original failure: %v)", e.Op, e.Cause, e.Original)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// IOError wraps an unrecoverable disk or storage failure. Fatal to the current
// operation; never silently swallowed.
type IOError struct {
	Op    string
	Path  string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage I/O failure during %s (%s): %v", e.Op, e.Path, e.Cause)
}

func (e *IOError) Unwrap() error { return e.Cause }
