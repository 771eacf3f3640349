package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/pool"
	"github.com/slyt3/guardstats/internal/report"
)

func newReportCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the text analytics report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			engine, err := root.openEngine()
			if err != nil {
				return err
			}
			defer closeEngine(engine, &err)

			summary, err := engine.Summary()
			if err != nil {
				return err
			}
			buf := pool.GetBuffer()
			defer pool.PutBuffer(buf)
			if err := report.TextReport(buf, engine.Store.Snapshot(), summary, time.Now()); err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			if err := report.WriteFileAtomic(output, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] Report written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
