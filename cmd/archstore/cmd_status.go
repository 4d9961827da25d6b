// Package main: store status summary.
package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ishabanya/ARchitect-sub003/internal/store"
)

// statusCmd summarizes the store's state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize store state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	fmt.Println(titleStyle.Render("Store Status"))
	fmt.Printf("  path:         %s\n", engine.Path())
	fmt.Printf("  merge policy: %s\n", engine.MergePolicy())

	version, err := store.SchemaVersion(engine.DB())
	if err != nil {
		return err
	}
	schemaLine := version
	if version != store.CurrentSchemaVersion {
		schemaLine = warnStyle.Render(fmt.Sprintf("%s (application expects %s; run migrate)", version, store.CurrentSchemaVersion))
	}
	fmt.Printf("  schema:       %s\n", schemaLine)

	stats, err := engine.Stats()
	if err != nil {
		return err
	}
	fmt.Println(sectionStyle.Render("Tables"))
	for _, table := range []string{"records", "snapshots", "repair_history", "schema_versions"} {
		fmt.Printf("  %-16s %d\n", table, stats[table])
	}

	var lastRepair sql.NullString
	_ = engine.DB().QueryRow("SELECT MAX(created_at) FROM repair_history").Scan(&lastRepair)
	if lastRepair.Valid {
		fmt.Printf("\n  last repair: %s\n", lastRepair.String)
	}
	return nil
}
