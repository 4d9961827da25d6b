// Package main: version history commands.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
	"github.com/ishabanya/ARchitect-sub003/internal/versions"
)

var (
	versionComment string
	versionAuthor  string
)

// versionsCmd groups version history subcommands
var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Manage project version history",
}

var versionsListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List snapshots of a project, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionsList,
}

var versionsCreateCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Create a manual snapshot of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionsCreate,
}

var versionsRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore a project to a snapshot",
	Long: `Restores the project's full state from a snapshot. The payload checksum
is verified first; the current state is captured as a before_restore snapshot
so the restore itself can be undone.`,
	Args: cobra.ExactArgs(1),
	RunE: runVersionsRestore,
}

var versionsDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot (manual snapshots are protected)",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionsDelete,
}

func openVersions() (*versions.Manager, func(), error) {
	engine, err := openEngine()
	if err != nil {
		return nil, nil, err
	}
	mgr := versions.NewManager(engine, cfg.AppVersion, cfg.Versions.MaxHistory, cfg.MinAutoInterval())
	return mgr, func() { engine.Close() }, nil
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	mgr, done, err := openVersions()
	if err != nil {
		return err
	}
	defer done()

	snaps, err := mgr.List(args[0])
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots for this project.")
		return nil
	}
	fmt.Printf("%-5s %-38s %-15s %-20s %s\n", "VER", "ID", "TYPE", "CREATED", "COMMENT")
	for _, s := range snaps {
		fmt.Printf("%-5d %-38s %-15s %-20s %s\n",
			s.Version, s.ID, s.Type, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Comment)
	}
	return nil
}

func runVersionsCreate(cmd *cobra.Command, args []string) error {
	mgr, done, err := openVersions()
	if err != nil {
		return err
	}
	defer done()

	snap, err := mgr.Create(cmd.Context(), args[0], types.SnapshotManual, versionComment, versionAuthor)
	if err != nil {
		return err
	}
	fmt.Printf("Created snapshot v%d (%s)\n", snap.Version, snap.ID)
	return nil
}

func runVersionsRestore(cmd *cobra.Command, args []string) error {
	mgr, done, err := openVersions()
	if err != nil {
		return err
	}
	defer done()

	if err := mgr.Restore(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println(goodStyle.Render("Project restored."))
	return nil
}

func runVersionsDelete(cmd *cobra.Command, args []string) error {
	mgr, done, err := openVersions()
	if err != nil {
		return err
	}
	defer done()

	if err := mgr.Delete(args[0]); err != nil {
		return err
	}
	fmt.Println("Snapshot deleted.")
	return nil
}

func init() {
	versionsCreateCmd.Flags().StringVarP(&versionComment, "comment", "m", "", "snapshot comment")
	versionsCreateCmd.Flags().StringVar(&versionAuthor, "author", "", "snapshot author")

	versionsCmd.AddCommand(versionsListCmd)
	versionsCmd.AddCommand(versionsCreateCmd)
	versionsCmd.AddCommand(versionsRestoreCmd)
	versionsCmd.AddCommand(versionsDeleteCmd)
}
