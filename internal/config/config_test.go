package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default("/data")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join("/data", "architect.db"), cfg.StorePath())
	assert.Equal(t, filepath.Join("/data", "backups"), cfg.BackupDir())
	assert.Equal(t, filepath.Join("/data", "inbox"), cfg.InboxDir())
	assert.Equal(t, types.MergeLastWriteWins, cfg.Store.MergePolicy)
	assert.Equal(t, 5*time.Minute, cfg.OperationTimeout())
	assert.Equal(t, 7*24*time.Hour, cfg.BackupRetention())
	assert.Equal(t, time.Minute, cfg.MinAutoInterval())
	assert.Equal(t, 50, cfg.Versions.MaxHistory)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "/data")
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, "architect.db", cfg.Store.FileName)
}

func TestLoadOverridesAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_dir: ` + dir + `
store:
  merge_policy: surface
  busy_timeout: 2s
versions:
  max_history: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, types.MergeSurfaceConflicts, cfg.Store.MergePolicy)
	assert.Equal(t, 2*time.Second, cfg.BusyTimeout())
	assert.Equal(t, 10, cfg.Versions.MaxHistory)
	// Unset fields keep their defaults.
	assert.Equal(t, "168h", cfg.Backup.Retention)

	out := filepath.Join(dir, "saved.yaml")
	require.NoError(t, cfg.Save(out))
	reloaded, err := Load(out, dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Store.MergePolicy, reloaded.Store.MergePolicy)
	assert.Equal(t, cfg.Versions.MaxHistory, reloaded.Versions.MaxHistory)
}

func TestEmptyMergePolicyFallsToEngineDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_dir: ` + dir + `
store:
  merge_policy: ""
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path, dir)
	require.NoError(t, err)
	assert.Empty(t, cfg.Store.MergePolicy)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default("/data")
	cfg.Store.MergePolicy = "frobnicate"
	assert.Error(t, cfg.Validate())

	cfg = Default("/data")
	cfg.Store.BusyTimeout = "not-a-duration"
	assert.Error(t, cfg.Validate())

	cfg = Default("/data")
	cfg.Integrity.ValidThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default("/data")
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())
}
