// Package main implements archstore, the CLI for the ARchitect local object
// store: integrity checks and repair, schema migration, backup sets and
// version history.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ishabanya/ARchitect-sub003/internal/config"
	"github.com/ishabanya/ARchitect-sub003/internal/logging"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
)

var (
	// Global flags
	dataDir    string
	configPath string
	debug      bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "archstore",
	Short: "archstore - ARchitect local object store",
	Long: `archstore manages the ARchitect durable object store: a local,
transactional store for design projects with version history, schema
migration, backups and integrity checking.

The store lives under the data directory as a single SQLite file; backups,
the sync inbox and logs sit alongside it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to resolve home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".architect")
		}
		if configPath == "" {
			configPath = filepath.Join(dataDir, "config.yaml")
		}

		var err error
		cfg, err = config.Load(configPath, dataDir)
		if err != nil {
			return err
		}
		if debug {
			cfg.Logging.DebugMode = true
		}
		return logging.Initialize(cfg.DataDir, cfg.Logging.DebugMode)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// openEngine opens the store with the loaded configuration.
func openEngine() (*store.Engine, error) {
	return store.Open(store.Options{
		Path:        cfg.StorePath(),
		MergePolicy: cfg.Store.MergePolicy,
		BusyTimeout: cfg.BusyTimeout(),
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.architect)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
