// Package main: schema migration commands.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ishabanya/ARchitect-sub003/internal/backup"
	"github.com/ishabanya/ARchitect-sub003/internal/migrate"
)

var migrateStatus bool

// migrateCmd brings the store forward to the current schema version
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the store to the current schema version",
	Long: `Detects whether the store's schema is older than the application expects
and, if so, migrates it forward along the shortest known upgrade path.

A full backup is taken before anything is touched; any failure restores it,
leaving the store exactly as it was. The store must not be open in another
process while migrating.

--status only reports whether a migration is needed.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	backups, err := backup.NewManager(cfg.StorePath(), cfg.BackupDir(), cfg.BackupRetention(), cfg.Backup.CopyRetries)
	if err != nil {
		return err
	}
	m := migrate.NewMigrator(cfg.StorePath(), backups, nil, cfg.OperationTimeout())

	required, err := m.Detect()
	if err != nil {
		return err
	}
	if !required {
		fmt.Println(goodStyle.Render("Store schema is current; no migration needed."))
		return nil
	}

	plan := m.Plan()
	fmt.Printf("Migration required: %s -> %s (%d step(s))\n", plan.Source, plan.Target, len(plan.Steps))
	for _, step := range plan.Steps {
		fmt.Printf("  %s -> %s\n", step.From, step.To)
	}
	if migrateStatus {
		return nil
	}

	if err := m.Run(cmd.Context()); err != nil {
		fmt.Println(badStyle.Render("Migration failed; store restored from backup."))
		return err
	}
	fmt.Println(goodStyle.Render("Migration completed."))
	return nil
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "report migration status without running")
}
