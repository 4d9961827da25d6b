// Package main: integrity check and repair commands.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ishabanya/ARchitect-sub003/internal/integrity"
	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

var (
	checkFull   bool
	checkRepair bool
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	sectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
)

// checkCmd runs an integrity check over the store
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check store integrity",
	Long: `Scans the store for integrity defects: structural consistency, dangling
relationships, checksum corruption, performance bounds and overall health.

By default a quick bounded sample is checked; --full scans everything.
--repair fixes the repairable issues found (criticals included; a scheduled
background repair would skip those).`,
	RunE: runCheck,
}

func checkerLimits() integrity.Limits {
	return integrity.Limits{
		ValidThreshold:       cfg.Integrity.ValidThreshold,
		QuickSampleSize:      cfg.Integrity.QuickSampleSize,
		MaxRecordsPerProject: cfg.Integrity.MaxRecordsPerProject,
		MaxPayloadBytes:      cfg.Integrity.MaxPayloadBytes,
		MinFreeDiskBytes:     cfg.Integrity.MinFreeDiskBytes,
		InboxDir:             cfg.InboxDir(),
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	checker := integrity.NewChecker(engine, checkerLimits())

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.OperationTimeout())
	defer cancel()

	var report *integrity.Report
	if checkFull {
		report, err = checker.FullCheck(ctx, func(stage string, fraction float64) {
			fmt.Printf("\r%s", dimStyle.Render(fmt.Sprintf("scanning %-14s %3.0f%%", stage, fraction*100)))
		})
		fmt.Println()
	} else {
		report, err = checker.QuickCheck(ctx)
	}
	if err != nil {
		return err
	}

	renderReport(report)

	if checkRepair && report.TotalIssues > 0 {
		rec, err := checker.Repair(ctx, report.Issues, false)
		if err != nil {
			return err
		}
		fmt.Println(sectionStyle.Render("Repair"))
		fmt.Printf("  attempted %d, repaired %d, failed %d (%s)\n",
			rec.Attempted, rec.Repaired, rec.Failed, rec.Duration.Round(1e6))
	}

	if !report.Valid {
		os.Exit(1)
	}
	return nil
}

func renderReport(report *integrity.Report) {
	fmt.Println(titleStyle.Render("Store Integrity Report"))

	scoreStyle := goodStyle
	if !report.Valid {
		scoreStyle = badStyle
	} else if report.TotalIssues > 0 {
		scoreStyle = warnStyle
	}
	fmt.Printf("  score: %s   issues: %d   checked: %s\n",
		scoreStyle.Render(fmt.Sprintf("%.2f", report.OverallScore)),
		report.TotalIssues,
		report.LastCheckDate.Format("2006-01-02 15:04:05"))

	if report.TotalIssues > 0 {
		fmt.Println(sectionStyle.Render("Issues by severity"))
		for _, sev := range []types.Severity{types.SeverityCritical, types.SeverityWarning, types.SeverityInfo} {
			if n := report.IssuesBySeverity[sev]; n > 0 {
				fmt.Printf("  %-8s %d\n", sev, n)
			}
		}

		fmt.Println(sectionStyle.Render("Issues by type"))
		typeNames := make([]string, 0, len(report.IssuesByType))
		for t := range report.IssuesByType {
			typeNames = append(typeNames, string(t))
		}
		sort.Strings(typeNames)
		for _, t := range typeNames {
			fmt.Printf("  %-22s %d\n", t, report.IssuesByType[types.IssueType(t)])
		}

		fmt.Println(sectionStyle.Render("Details"))
		for _, is := range report.Issues {
			marker := "•"
			switch is.Severity {
			case types.SeverityCritical:
				marker = badStyle.Render("✗")
			case types.SeverityWarning:
				marker = warnStyle.Render("!")
			}
			fmt.Printf("  %s %s\n", marker, is.Message)
			if is.Remedy != "" {
				fmt.Printf("    %s\n", dimStyle.Render(is.Remedy))
			}
		}
	}

	fmt.Println(sectionStyle.Render("Recommendations"))
	for _, r := range report.Recommendations {
		fmt.Printf("  - %s\n", r)
	}
}

func init() {
	checkCmd.Flags().BoolVar(&checkFull, "full", false, "run a full scan instead of a quick sample")
	checkCmd.Flags().BoolVar(&checkRepair, "repair", false, "repair the repairable issues found")
}
