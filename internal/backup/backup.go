// Package backup copies and restores the durable store file set. A backup set
// is the sqlite main file plus its -wal/-shm journal companions, copied as a
// single atomic unit into a timestamped set with a co-located JSON metadata
// index. Migration and version restore use these sets as their safety net.
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ishabanya/ARchitect-sub003/internal/checksum"
	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// journalSuffixes are the sqlite WAL companions that must travel with the
// main file during copy/move/swap.
var journalSuffixes = []string{"-wal", "-shm"}

// Manager owns the backup directory and its metadata index.
type Manager struct {
	mu         sync.Mutex
	sourcePath string
	dir        string
	retention  time.Duration
	retries    int
	index      []types.BackupRecord
}

// NewManager creates a backup manager for the store at sourcePath. The index
// is loaded from dir/index.json when present.
func NewManager(sourcePath, dir string, retention time.Duration, retries int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	m := &Manager{
		sourcePath: sourcePath,
		dir:        dir,
		retention:  retention,
		retries:    retries,
	}
	if err := m.loadIndex(); err != nil {
		// Missing index means a fresh backup directory.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.dir, "index.json")
}

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		return err
	}
	var index []types.BackupRecord
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("corrupt backup index: %w", err)
	}
	m.index = index
	return nil
}

func (m *Manager) saveIndex() error {
	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.indexPath(), data, 0644)
}

// Create copies the store file set into a new backup set and records it.
func (m *Manager) Create(kind types.BackupType) (*types.BackupRecord, error) {
	timer := logging.StartTimer(logging.CategoryBackup, "Create")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	log := logging.Get(logging.CategoryBackup)

	id := uuid.NewString()[:8]
	now := time.Now().UTC()
	name := fmt.Sprintf("backup_%s_%s%s", now.Format("20060102_150405"), id, filepath.Ext(m.sourcePath))
	dest := filepath.Join(m.dir, name)

	if err := m.copyWithRetry(m.sourcePath, dest); err != nil {
		return nil, &types.IOError{Op: "backup copy", Path: dest, Cause: err}
	}
	for _, suffix := range journalSuffixes {
		src := m.sourcePath + suffix
		if _, err := os.Stat(src); err != nil {
			continue // journal not present, nothing to copy
		}
		if err := m.copyWithRetry(src, dest+suffix); err != nil {
			return nil, &types.IOError{Op: "backup journal copy", Path: dest + suffix, Cause: err}
		}
	}

	sum, err := checksum.SumFile(dest)
	if err != nil {
		return nil, &types.IOError{Op: "backup checksum", Path: dest, Cause: err}
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, &types.IOError{Op: "backup stat", Path: dest, Cause: err}
	}

	rec := types.BackupRecord{
		ID:         id,
		SourcePath: m.sourcePath,
		BackupPath: dest,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.retention),
		SizeBytes:  info.Size(),
		Type:       kind,
		Checksum:   sum,
	}
	m.index = append(m.index, rec)
	if err := m.saveIndex(); err != nil {
		return nil, fmt.Errorf("failed to save backup index: %w", err)
	}

	log.Infof("created %s backup %s (%d bytes)", kind, name, rec.SizeBytes)
	return &rec, nil
}

// Restore copies a backup set back over the store file. The main file is
// verified against its recorded checksum, written to a temp file and renamed
// into place so a torn restore can't leave a half-written store. Stale source
// journals are removed so the restored main file is authoritative.
func (m *Manager) Restore(rec *types.BackupRecord) error {
	timer := logging.StartTimer(logging.CategoryBackup, "Restore")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	sum, err := checksum.SumFile(rec.BackupPath)
	if err != nil {
		return &types.IOError{Op: "restore checksum", Path: rec.BackupPath, Cause: err}
	}
	if sum != rec.Checksum {
		return &types.CorruptionError{Subject: "backup " + rec.ID, Detail: "backup file checksum mismatch"}
	}

	tmp := rec.SourcePath + ".restore-tmp"
	if err := m.copyWithRetry(rec.BackupPath, tmp); err != nil {
		return &types.IOError{Op: "restore copy", Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, rec.SourcePath); err != nil {
		os.Remove(tmp)
		return &types.IOError{Op: "restore swap", Path: rec.SourcePath, Cause: err}
	}

	for _, suffix := range journalSuffixes {
		backupJournal := rec.BackupPath + suffix
		sourceJournal := rec.SourcePath + suffix
		if _, err := os.Stat(backupJournal); err == nil {
			if err := m.copyWithRetry(backupJournal, sourceJournal); err != nil {
				return &types.IOError{Op: "restore journal copy", Path: sourceJournal, Cause: err}
			}
		} else {
			os.Remove(sourceJournal)
		}
	}

	logging.Get(logging.CategoryBackup).Infof("restored store from backup %s", rec.ID)
	return nil
}

// List returns the recorded backup sets, oldest first.
func (m *Manager) List() []types.BackupRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.BackupRecord, len(m.index))
	copy(out, m.index)
	return out
}

// Find returns the record with the given id.
func (m *Manager) Find(id string) (*types.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.index {
		if m.index[i].ID == id {
			rec := m.index[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("backup %s not found", id)
}

// Prune deletes expired backup sets and compacts the index.
func (m *Manager) Prune(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.index[:0]
	pruned := 0
	for _, rec := range m.index {
		if !rec.Expired(now) {
			kept = append(kept, rec)
			continue
		}
		os.Remove(rec.BackupPath)
		for _, suffix := range journalSuffixes {
			os.Remove(rec.BackupPath + suffix)
		}
		pruned++
	}
	m.index = kept
	if pruned > 0 {
		if err := m.saveIndex(); err != nil {
			return pruned, err
		}
		logging.Get(logging.CategoryBackup).Infof("pruned %d expired backup sets", pruned)
	}
	return pruned, nil
}

// copyWithRetry copies one file, retrying transient I/O failures with a short
// backoff. Backup copy is the only error class with automatic retry.
func (m *Manager) copyWithRetry(src, dst string) error {
	var err error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
			logging.Get(logging.CategoryBackup).Debugf("retrying copy %s (attempt %d)", filepath.Base(src), attempt+1)
		}
		if err = copyFile(src, dst); err == nil {
			return nil
		}
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
