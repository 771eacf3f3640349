package report

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/metrics"
	"github.com/slyt3/guardstats/internal/pool"
)

const (
	ruleWide   = 60
	ruleNarrow = 30
)

// TextReport writes the human-readable analytics report. The run section is
// included only when summary is non-nil. Output depends only on the inputs,
// generatedAt included.
func TextReport(w io.Writer, agg analytics.Aggregate, summary *metrics.RunSummary, generatedAt time.Time) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	wide := strings.Repeat("=", ruleWide)
	narrow := strings.Repeat("-", ruleNarrow)

	fmt.Fprintln(buf, wide)
	fmt.Fprintln(buf, "ANALYTICS REPORT")
	fmt.Fprintln(buf, wide)
	fmt.Fprintf(buf, "Generated: %s\n\n", generatedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(buf, "OVERALL STATISTICS")
	fmt.Fprintln(buf, narrow)
	fmt.Fprintf(buf, "Total Queries: %d\n", agg.TotalQueries)
	fmt.Fprintf(buf, "Blocked Queries: %d\n", agg.BlockedQueries)
	fmt.Fprintf(buf, "Block Rate: %.2f%%\n", metrics.BlockRate(agg.BlockedQueries, agg.TotalQueries))
	overall := metrics.CountsFromAggregate(agg)
	writeCounts(buf, overall)
	p, r, f1 := metrics.PrecisionRecallF1(overall)
	fmt.Fprintf(buf, "Precision: %.3f\nRecall: %.3f\nF1 Score: %.3f\n\n", p, r, f1)

	if summary != nil {
		fmt.Fprintln(buf, "CURRENT TEST PERFORMANCE")
		fmt.Fprintln(buf, narrow)
		if summary.RunID != "" {
			fmt.Fprintf(buf, "Run: %s\n", summary.RunID)
		}
		writeCounts(buf, summary.Counts())
		fmt.Fprintf(buf, "Total Tests: %d\n", summary.TotalTests)
		fmt.Fprintf(buf, "Success Rate: %.2f%%\n", summary.SuccessRate)
		fmt.Fprintf(buf, "Precision: %.3f\nRecall: %.3f\nF1 Score: %.3f\n\n", summary.Precision, summary.Recall, summary.F1Score)
	}

	fmt.Fprintln(buf, "CATEGORY ANALYSIS")
	fmt.Fprintln(buf, narrow)
	for _, row := range CategoryTable(agg) {
		fmt.Fprintf(buf, "%s: %d queries\n", row.Name, row.Count)
	}
	fmt.Fprintln(buf)

	fmt.Fprintln(buf, "RISK LEVEL ANALYSIS")
	fmt.Fprintln(buf, narrow)
	for _, row := range RiskTable(agg) {
		fmt.Fprintf(buf, "%s: %d queries (%.1f%%)\n", capitalize(row.Name), row.Count, row.Percent)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func writeCounts(buf io.Writer, c metrics.Counts) {
	fmt.Fprintf(buf, "True Positives: %d\n", c.TruePositives)
	fmt.Fprintf(buf, "True Negatives: %d\n", c.TrueNegatives)
	fmt.Fprintf(buf, "False Positives: %d\n", c.FalsePositives)
	fmt.Fprintf(buf, "False Negatives: %d\n", c.FalseNegatives)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
