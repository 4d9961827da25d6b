// Package logging provides config-driven categorized logging for the
// ARchitect store. Each subsystem logs under its own category; in debug mode
// every category gets its own file under <datadir>/logs/, otherwise logs go to
// a single leveled console logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Engine startup and shutdown
	CategoryStore     Category = "store"     // Context, commit and batch operations
	CategoryMigration Category = "migration" // Schema migration engine
	CategoryVersions  Category = "versions"  // Version history and auto-save
	CategoryIntegrity Category = "integrity" // Integrity checks and repairs
	CategoryBackup    Category = "backup"    // Backup sets and restore
	CategoryWatcher   Category = "watcher"   // Remote-sync inbox watcher
)

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	root      *zap.Logger
	debugMode bool
	logsDir   string
)

// Initialize sets up the logging tree. Call once at process start with the
// store's data directory. Safe to skip in tests; Get falls back to a no-op
// logger until initialized.
func Initialize(dataDir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	debugMode = debug
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if debug && dataDir != "" {
		logsDir = filepath.Join(dataDir, "logs")
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, filepath.Join(logsDir, "archstore.log"))
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	root = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	if root == nil {
		root = zap.NewNop()
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// slowOpThreshold is the duration past which a timed operation is logged at
// warn level regardless of debug mode.
const slowOpThreshold = 500 * time.Millisecond

// Timer measures one operation for the performance log.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing an operation. Defer Stop.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time: debug normally, warn when slow.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.cat)
	if elapsed > slowOpThreshold {
		l.Warnf("%s took %s (slow)", t.op, elapsed)
		return
	}
	l.Debugf("%s took %s", t.op, elapsed)
}
