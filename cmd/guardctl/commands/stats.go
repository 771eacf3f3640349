package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/report"
)

const noDataMessage = "No analytics data found. Run some tests first."

func newStatsCmd(root *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show headline statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			engine, err := root.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(engine, &err)

			ov, err := engine.Overview()
			if err != nil {
				return err
			}
			agg := engine.Store.Snapshot()
			out := cmd.OutOrStdout()
			if agg.Empty() && ov.Source == report.SourceHistory {
				fmt.Fprintln(out, noDataMessage)
				return nil
			}
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					report.Overview
					Categories []report.CountRow `json:"categories"`
					RiskLevels []report.CountRow `json:"risk_levels"`
				}{ov, report.CategoryTable(agg), report.RiskTable(agg)})
			}
			printOverview(out, ov, agg)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printOverview(out io.Writer, ov report.Overview, agg analytics.Aggregate) {
	title := "Analytics (all history)"
	if ov.Source == report.SourceCurrentRun {
		title = "Analytics (current run " + ov.RunID + ")"
	}
	fmt.Fprintln(out, title)
	fmt.Fprintln(out, strings.Repeat("=", len(title)))
	fmt.Fprintf(out, "Total Queries:    %d\n", ov.TotalQueries)
	fmt.Fprintf(out, "Blocked Queries:  %d\n", ov.BlockedQueries)
	fmt.Fprintf(out, "Block Rate:       %.1f%%\n", ov.BlockRate)
	fmt.Fprintf(out, "True Positives:   %d\n", ov.Counts.TruePositives)
	fmt.Fprintf(out, "True Negatives:   %d\n", ov.Counts.TrueNegatives)
	fmt.Fprintf(out, "False Positives:  %d\n", ov.Counts.FalsePositives)
	fmt.Fprintf(out, "False Negatives:  %d\n", ov.Counts.FalseNegatives)
	fmt.Fprintf(out, "Success Rate:     %.1f%%\n", ov.SuccessRate)
	fmt.Fprintf(out, "Precision:        %.3f\n", ov.Precision)
	fmt.Fprintf(out, "Recall:           %.3f\n", ov.Recall)
	fmt.Fprintf(out, "F1 Score:         %.3f\n", ov.F1Score)
	if ov.LastUpdated != nil {
		fmt.Fprintf(out, "Last Updated:     %s\n", ov.LastUpdated.Format("2006-01-02 15:04:05"))
	}

	fmt.Fprintln(out, "\nBlocked by Category:")
	rows := report.CategoryTable(agg)
	if len(rows) == 0 {
		fmt.Fprintln(out, "  None")
	}
	for _, row := range rows {
		fmt.Fprintf(out, "  %-20s %6d  %5.1f%%\n", row.Name, row.Count, row.Percent)
	}

	fmt.Fprintln(out, "\nRisk Levels:")
	rows = report.RiskTable(agg)
	if len(rows) == 0 {
		fmt.Fprintln(out, "  None")
	}
	for _, row := range rows {
		fmt.Fprintf(out, "  %-20s %6d  %5.1f%%\n", row.Name, row.Count, row.Percent)
	}
}
