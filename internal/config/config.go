// Package config loads and validates the store configuration. Configuration
// lives in a YAML file next to the data directory; absent values fall back to
// the defaults below.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// Config holds all store configuration.
type Config struct {
	// DataDir is the root directory for the store file, backups, inbox and
	// logs. Required.
	DataDir string `yaml:"data_dir" validate:"required"`

	// AppVersion is stamped into snapshot metadata.
	AppVersion string `yaml:"app_version"`

	Store     StoreConfig     `yaml:"store"`
	Backup    BackupConfig    `yaml:"backup"`
	Versions  VersionsConfig  `yaml:"versions"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the storage engine.
type StoreConfig struct {
	// FileName of the sqlite database inside DataDir.
	FileName string `yaml:"file_name"`

	// MergePolicy for conflicting concurrent updates: last_write_wins or
	// surface. Empty falls back to the engine default (last_write_wins).
	// See types.MergePolicy for the exact precedence contract.
	MergePolicy types.MergePolicy `yaml:"merge_policy" validate:"omitempty,oneof=last_write_wins surface"`

	// BusyTimeout for sqlite, e.g. "5s".
	BusyTimeout string `yaml:"busy_timeout"`

	// OperationTimeout bounds migrations and full integrity scans, e.g. "5m".
	OperationTimeout string `yaml:"operation_timeout"`
}

// BackupConfig configures the backup manager.
type BackupConfig struct {
	// Dir for backup sets, relative to DataDir unless absolute.
	Dir string `yaml:"dir"`

	// Retention window, e.g. "168h" for one week.
	Retention string `yaml:"retention"`

	// CopyRetries bounds retry of transient copy I/O failures.
	CopyRetries int `yaml:"copy_retries" validate:"min=0,max=10"`
}

// VersionsConfig configures version history.
type VersionsConfig struct {
	// MaxHistory is the per-project snapshot cap before oldest automatic
	// snapshots are pruned.
	MaxHistory int `yaml:"max_history" validate:"min=1"`

	// MinAutoInterval is the minimum spacing between automatic snapshots of
	// one project, e.g. "60s".
	MinAutoInterval string `yaml:"min_auto_interval"`

	// AutoSaveSchedule is a cron expression for the background auto-save
	// tick. Empty disables the auto saver.
	AutoSaveSchedule string `yaml:"auto_save_schedule"`

	// SignificantChanges is the change-volume threshold (inserts + updates +
	// deletes since the last snapshot) that triggers an automatic snapshot.
	SignificantChanges int `yaml:"significant_changes" validate:"min=1"`
}

// IntegrityConfig configures the integrity checker.
type IntegrityConfig struct {
	// ValidThreshold is the minimum score for the store to count as valid.
	ValidThreshold float64 `yaml:"valid_threshold" validate:"gte=0,lte=1"`

	// QuickSampleSize bounds the record count examined by a quick check.
	QuickSampleSize int `yaml:"quick_sample_size" validate:"min=1"`

	// QuickSchedule is a cron expression for background quick checks.
	// Empty disables them.
	QuickSchedule string `yaml:"quick_schedule"`

	// MaxRecordsPerProject and MaxPayloadBytes are the performance-category
	// thresholds; exceeding them produces info-level, non-repairable issues.
	MaxRecordsPerProject int   `yaml:"max_records_per_project" validate:"min=1"`
	MaxPayloadBytes      int64 `yaml:"max_payload_bytes" validate:"min=1"`

	// MinFreeDiskBytes below which the health category flags the store volume.
	// Zero disables the check.
	MinFreeDiskBytes int64 `yaml:"min_free_disk_bytes" validate:"min=0"`
}

// LoggingConfig mirrors the logging package's switches.
type LoggingConfig struct {
	DebugMode bool `yaml:"debug_mode"`
}

// Default returns the configuration used when no file is present.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:    dataDir,
		AppVersion: "1.0.0",
		Store: StoreConfig{
			FileName:         "architect.db",
			MergePolicy:      types.MergeLastWriteWins,
			BusyTimeout:      "5s",
			OperationTimeout: "5m",
		},
		Backup: BackupConfig{
			Dir:         "backups",
			Retention:   "168h",
			CopyRetries: 3,
		},
		Versions: VersionsConfig{
			MaxHistory:         50,
			MinAutoInterval:    "60s",
			AutoSaveSchedule:   "@every 30s",
			SignificantChanges: 10,
		},
		Integrity: IntegrityConfig{
			ValidThreshold:       0.8,
			QuickSampleSize:      200,
			QuickSchedule:        "@every 10m",
			MaxRecordsPerProject: 5000,
			MaxPayloadBytes:      1 << 20,
			MinFreeDiskBytes:     64 << 20,
		},
	}
}

// Load reads the config file at path, filling unset fields from defaults and
// validating the result. A missing file yields the defaults for dataDir.
func Load(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// Durations must parse; validator has no duration-string tag.
	for name, s := range map[string]string{
		"store.busy_timeout":         c.Store.BusyTimeout,
		"store.operation_timeout":    c.Store.OperationTimeout,
		"backup.retention":           c.Backup.Retention,
		"versions.min_auto_interval": c.Versions.MinAutoInterval,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
	}
	return nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// StorePath returns the absolute path of the sqlite database file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, c.Store.FileName)
}

// BackupDir returns the absolute backup directory.
func (c *Config) BackupDir() string {
	if filepath.IsAbs(c.Backup.Dir) {
		return c.Backup.Dir
	}
	return filepath.Join(c.DataDir, c.Backup.Dir)
}

// InboxDir returns the directory watched for externally applied changes.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataDir, "inbox")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// OperationTimeout returns the parsed bound for long-running operations.
func (c *Config) OperationTimeout() time.Duration {
	return parseDuration(c.Store.OperationTimeout, 5*time.Minute)
}

// BusyTimeout returns the parsed sqlite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return parseDuration(c.Store.BusyTimeout, 5*time.Second)
}

// BackupRetention returns the parsed backup retention window.
func (c *Config) BackupRetention() time.Duration {
	return parseDuration(c.Backup.Retention, 7*24*time.Hour)
}

// MinAutoInterval returns the parsed automatic-snapshot rate limit.
func (c *Config) MinAutoInterval() time.Duration {
	return parseDuration(c.Versions.MinAutoInterval, time.Minute)
}
