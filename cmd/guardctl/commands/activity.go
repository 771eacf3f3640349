package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/metrics"
)

const maxBarWidth = 40

func newDailyCmd(root *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Queries and block rate per day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			engine, err := root.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(engine, &err)

			days := metrics.BucketByDate(engine.Store.Records())
			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(days)
			}
			if len(days) == 0 {
				fmt.Fprintln(out, noDataMessage)
				return nil
			}
			fmt.Fprintf(out, "%-10s  %7s  %7s  %10s\n", "Date", "Queries", "Blocked", "Block Rate")
			for _, d := range days {
				fmt.Fprintf(out, "%-10s  %7d  %7d  %9.1f%%\n", d.Date, d.Count, d.Blocked, d.BlockRate)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func newHourlyCmd(root *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "hourly",
		Short: "Query activity by hour of day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			engine, err := root.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(engine, &err)

			records := engine.Store.Records()
			hours := metrics.HourlyActivity(records)
			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(hours)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, noDataMessage)
				return nil
			}
			peak := 0
			for _, n := range hours {
				if n > peak {
					peak = n
				}
			}
			for hour, n := range hours {
				fmt.Fprintf(out, "%02d:00  %5d  %s\n", hour, n, strings.Repeat("#", n*maxBarWidth/peak))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
