// Package main: backup set commands.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ishabanya/ARchitect-sub003/internal/backup"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// backupCmd groups backup subcommands
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage full-store backup sets",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a manual backup of the store",
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backup sets",
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore the store from a backup set",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired backup sets",
	RunE:  runBackupPrune,
}

func openBackups() (*backup.Manager, error) {
	return backup.NewManager(cfg.StorePath(), cfg.BackupDir(), cfg.BackupRetention(), cfg.Backup.CopyRetries)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	backups, err := openBackups()
	if err != nil {
		return err
	}
	rec, err := backups.Create(types.BackupManual)
	if err != nil {
		return err
	}
	fmt.Printf("Created backup %s (%d bytes, expires %s)\n",
		rec.ID, rec.SizeBytes, rec.ExpiresAt.Format("2006-01-02 15:04"))
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	backups, err := openBackups()
	if err != nil {
		return err
	}
	sets := backups.List()
	if len(sets) == 0 {
		fmt.Println("No backup sets recorded.")
		return nil
	}
	fmt.Printf("%-10s %-14s %-20s %-10s %s\n", "ID", "TYPE", "CREATED", "SIZE", "EXPIRES")
	for _, rec := range sets {
		expires := rec.ExpiresAt.Format("2006-01-02 15:04")
		if rec.Expired(time.Now()) {
			expires = badStyle.Render("expired")
		}
		fmt.Printf("%-10s %-14s %-20s %-10d %s\n",
			rec.ID, rec.Type, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.SizeBytes, expires)
	}
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	backups, err := openBackups()
	if err != nil {
		return err
	}
	rec, err := backups.Find(args[0])
	if err != nil {
		return err
	}
	if err := backups.Restore(rec); err != nil {
		return err
	}
	fmt.Println(goodStyle.Render(fmt.Sprintf("Store restored from backup %s.", rec.ID)))
	return nil
}

func runBackupPrune(cmd *cobra.Command, args []string) error {
	backups, err := openBackups()
	if err != nil {
		return err
	}
	pruned, err := backups.Prune(time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d expired backup set(s).\n", pruned)
	return nil
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupPruneCmd)
}
