// Package main: long-running background services.
package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ishabanya/ARchitect-sub003/internal/integrity"
	"github.com/ishabanya/ARchitect-sub003/internal/store"
	"github.com/ishabanya/ARchitect-sub003/internal/versions"
)

var watchAutoRepair bool

// watchCmd runs the store's background services until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run background services (sync inbox, auto-save, quick checks)",
	Long: `Runs the store's background services in the foreground until interrupted:
the sync inbox watcher merges change documents dropped by the remote-sync
collaborator, the auto-saver snapshots projects that accumulate significant
changes, and periodic quick checks watch for integrity defects.

--auto-repair lets the scheduled quick checks fix non-critical issues; critical
issues are never repaired unattended.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := store.NewInboxWatcher(engine, cfg.InboxDir())
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()
	fmt.Printf("watching sync inbox at %s\n", cfg.InboxDir())

	if cfg.Versions.AutoSaveSchedule != "" {
		mgr := versions.NewManager(engine, cfg.AppVersion, cfg.Versions.MaxHistory, cfg.MinAutoInterval())
		saver := versions.NewAutoSaver(engine, mgr, cfg.Versions.AutoSaveSchedule, cfg.Versions.SignificantChanges)
		if err := saver.Start(ctx); err != nil {
			return err
		}
		defer saver.Stop()
		fmt.Printf("auto-save on %s\n", cfg.Versions.AutoSaveSchedule)
	}

	if cfg.Integrity.QuickSchedule != "" {
		checker := integrity.NewChecker(engine, checkerLimits())
		sched := integrity.NewScheduler(checker, cfg.Integrity.QuickSchedule, watchAutoRepair)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
		fmt.Printf("quick checks on %s\n", cfg.Integrity.QuickSchedule)
	}

	<-ctx.Done()
	fmt.Println("\nshutting down")
	return nil
}

func init() {
	watchCmd.Flags().BoolVar(&watchAutoRepair, "auto-repair", false, "let scheduled checks repair non-critical issues")
}
