package integrity

import (
	"time"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// Report is the outcome of one integrity check.
type Report struct {
	OverallScore     float64                     `json:"overall_score"`
	Valid            bool                        `json:"valid"`
	LastCheckDate    time.Time                   `json:"last_check_date"`
	Duration         time.Duration               `json:"duration"`
	TotalIssues      int                         `json:"total_issues"`
	IssuesByType     map[types.IssueType]int     `json:"issues_by_type"`
	IssuesBySeverity map[types.Severity]int      `json:"issues_by_severity"`
	Issues           []types.IntegrityIssue      `json:"issues"`
	Recommendations  []string                    `json:"recommendations"`
}

// Score computes the weighted health score: criticals cost 0.5, warnings 0.3,
// infos 0.1, normalized by 10 and clamped at zero.
func Score(issues []types.IntegrityIssue) float64 {
	var weight float64
	for _, is := range issues {
		switch is.Severity {
		case types.SeverityCritical:
			weight += 0.5
		case types.SeverityWarning:
			weight += 0.3
		case types.SeverityInfo:
			weight += 0.1
		}
	}
	score := 1.0 - weight/10.0
	if score < 0 {
		return 0
	}
	return score
}

func (c *Checker) buildReport(issues []types.IntegrityIssue, start time.Time) *Report {
	report := &Report{
		OverallScore:     Score(issues),
		LastCheckDate:    start,
		Duration:         time.Since(start),
		TotalIssues:      len(issues),
		IssuesByType:     make(map[types.IssueType]int),
		IssuesBySeverity: make(map[types.Severity]int),
		Issues:           issues,
		Recommendations:  Recommendations(issues),
	}
	report.Valid = report.OverallScore >= c.limits.ValidThreshold
	for _, is := range issues {
		report.IssuesByType[is.Type]++
		report.IssuesBySeverity[is.Severity]++
	}

	c.mu.Lock()
	c.lastCheck = start
	c.lastScore = report.OverallScore
	c.mu.Unlock()
	return report
}

// LastCheck returns when the most recent check ran and what it scored.
// Zero time means no check has run this session.
func (c *Checker) LastCheck() (time.Time, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCheck, c.lastScore
}

// RepairHistory loads the persisted repair audit trail, newest first.
func (c *Checker) RepairHistory() ([]types.RepairRecord, error) {
	rows, err := c.engine.DB().Query(
		"SELECT id, attempted, repaired, failed, duration_ms, automatic, created_at FROM repair_history ORDER BY created_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RepairRecord
	for rows.Next() {
		var r types.RepairRecord
		var durationMS int64
		var automatic int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Attempted, &r.Repaired, &r.Failed, &durationMS, &automatic, &createdAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Automatic = automatic != 0
		r.At, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
