package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/harness"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		casesPath      string
		rulesPath      string
		concurrency    int
		failOnMismatch bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Classify the test cases and record the outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if casesPath != "" {
				cfg.Harness.CasesPath = casesPath
			}
			if rulesPath != "" {
				cfg.Harness.RulesPath = rulesPath
			}
			if concurrency > 0 {
				cfg.Harness.Concurrency = concurrency
			}

			cases := harness.DefaultCases()
			if cfg.Harness.CasesPath != "" {
				cases, err = harness.LoadCases(cfg.Harness.CasesPath)
				if err != nil {
					return err
				}
			}

			engine, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer closeEngine(engine, &err)

			cls, err := engine.OpenClassifier(false)
			if err != nil {
				return err
			}
			defer cls.Stop()

			runner, err := engine.NewRunner(cls)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := runner.Run(ctx, cases)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (%d cases, rules %s)\n", res.RunID, len(res.Cases), cls.Version())
			fmt.Fprintf(out, "Categories: %s\n", strings.Join(cls.Rules().CategoryNames(), ", "))
			fmt.Fprintln(out, "===========================")
			for i, c := range res.Cases {
				status := "PASS"
				if !c.Passed() {
					status = "FAIL"
				}
				fmt.Fprintf(out, "[%s] %3d  expected=%-5s got=%-5s category=%s risk=%s\n",
					status, i+1, c.Case.ExpectedAction, c.Decision.Action, c.Decision.Category, c.Decision.RiskLevel)
			}
			s := res.Summary
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Success Rate: %.2f%% (%d/%d)\n", s.SuccessRate, s.Successes(), s.TotalTests)
			fmt.Fprintf(out, "Precision: %.3f  Recall: %.3f  F1: %.3f\n", s.Precision, s.Recall, s.F1Score)

			if failOnMismatch && len(res.Failed()) > 0 {
				return fmt.Errorf("%d of %d cases did not match the expected action", len(res.Failed()), len(res.Cases))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&casesPath, "cases", "", "test case CSV (default: harness.cases_path or the built-in cases)")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "classifier rules YAML (default: harness.rules_path)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent classifications (default: harness.concurrency)")
	cmd.Flags().BoolVar(&failOnMismatch, "fail-on-mismatch", false, "exit non-zero when any case fails")
	return cmd
}
