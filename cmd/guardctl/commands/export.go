package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/pool"
	"github.com/slyt3/guardstats/internal/report"
)

var defaultExportNames = map[string]string{
	"json": "test_analytics_export.json",
	"csv":  "session_data.csv",
	"zip":  "guardstats_export.zip",
}

func newExportCmd(root *rootOptions) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the snapshot (json), session log (csv) or evidence bundle (zip)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			name, ok := defaultExportNames[format]
			if !ok {
				return fmt.Errorf("unknown format %q (want json, csv or zip)", format)
			}
			if output == "" {
				output = name
			}

			engine, err := root.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(engine, &err)

			agg := engine.Store.Snapshot()
			buf := pool.GetBuffer()
			defer pool.PutBuffer(buf)

			switch format {
			case "json":
				data, err := report.SnapshotJSON(agg)
				if err != nil {
					return err
				}
				buf.Write(data)
			case "csv":
				if err := report.WriteSessionCSV(buf, agg.SessionData); err != nil {
					return err
				}
			case "zip":
				summary, err := engine.Summary()
				if err != nil {
					return err
				}
				if err := report.WriteBundle(buf, agg, summary, time.Now(), engine.BundleOptions()...); err != nil {
					return err
				}
			}

			if err := report.WriteFileAtomic(output, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] Exported %d records to %s\n", len(agg.SessionData), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json, csv or zip")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default depends on format)")
	return cmd
}
