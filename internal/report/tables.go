package report

import (
	"sort"
	"time"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/metrics"
)

// CountRow is one row of a category or risk-level table.
type CountRow struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// CategoryTable lists category counters by count descending, name ascending
// on ties. Percent is the share of total_queries.
func CategoryTable(agg analytics.Aggregate) []CountRow {
	rows := countRows(agg.CategoriesBlocked, agg.TotalQueries)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Name < rows[j].Name
	})
	return rows
}

var riskOrder = map[string]int{"low": 0, "medium": 1, "high": 2}

// RiskTable lists risk-level counters as low, medium, high, then any other
// level alphabetically.
func RiskTable(agg analytics.Aggregate) []CountRow {
	rows := countRows(agg.RiskLevels, agg.TotalQueries)
	sort.Slice(rows, func(i, j int) bool {
		ri, iKnown := riskOrder[rows[i].Name]
		rj, jKnown := riskOrder[rows[j].Name]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown != jKnown:
			return iKnown
		}
		return rows[i].Name < rows[j].Name
	})
	return rows
}

func countRows(counts map[string]int, total int) []CountRow {
	rows := make([]CountRow, 0, len(counts))
	for name, n := range counts {
		rows = append(rows, CountRow{Name: name, Count: n, Percent: metrics.BlockRate(n, total)})
	}
	return rows
}

// Overview is the dashboard headline block. When a current run summary
// exists its counts are shown; otherwise the running totals are.
type Overview struct {
	Source         string         `json:"source"`
	TotalQueries   int            `json:"total_queries"`
	BlockedQueries int            `json:"blocked_queries"`
	BlockRate      float64        `json:"block_rate"`
	Counts         metrics.Counts `json:"counts"`
	SuccessRate    float64        `json:"success_rate"`
	Precision      float64        `json:"precision"`
	Recall         float64        `json:"recall"`
	F1Score        float64        `json:"f1_score"`
	RunID          string         `json:"run_id,omitempty"`
	LastUpdated    *time.Time     `json:"last_updated,omitempty"`
}

const (
	SourceCurrentRun = "current_run"
	SourceHistory    = "history"
)

// BuildOverview combines the aggregate with an optional run summary.
// lastUpdated is omitted when zero.
func BuildOverview(agg analytics.Aggregate, summary *metrics.RunSummary, lastUpdated time.Time) Overview {
	ov := Overview{
		TotalQueries:   agg.TotalQueries,
		BlockedQueries: agg.BlockedQueries,
		BlockRate:      metrics.BlockRate(agg.BlockedQueries, agg.TotalQueries),
	}
	if !lastUpdated.IsZero() {
		t := lastUpdated.UTC()
		ov.LastUpdated = &t
	}

	if summary != nil {
		ov.Source = SourceCurrentRun
		ov.Counts = summary.Counts()
		ov.SuccessRate = summary.SuccessRate
		ov.Precision, ov.Recall, ov.F1Score = summary.Precision, summary.Recall, summary.F1Score
		ov.RunID = summary.RunID
		return ov
	}

	ov.Source = SourceHistory
	ov.Counts = metrics.CountsFromAggregate(agg)
	ov.SuccessRate = metrics.SuccessRate(ov.Counts, ov.Counts.Total())
	ov.Precision, ov.Recall, ov.F1Score = metrics.PrecisionRecallF1(ov.Counts)
	return ov
}
