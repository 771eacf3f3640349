// Package commands implements the guardctl command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/config"
	"github.com/slyt3/guardstats/internal/core"
	"github.com/slyt3/guardstats/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the guardctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Content-safety classifier analytics",
		Long: `guardctl runs labelled test cases through the rule-based classifier,
accumulates the outcomes and reports quality metrics.

Examples:
  guardctl run --cases cases.csv     # classify and record a test run
  guardctl stats                     # headline numbers
  guardctl report -o report.txt      # text report
  guardctl export --format zip       # evidence bundle
  guardctl verify guardstats_export.zip
  guardctl serve                     # dashboard API and /metrics`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override log_level (debug, info, warn, error, critical)")

	root.AddCommand(
		newRunCmd(opts),
		newStatsCmd(opts),
		newReportCmd(opts),
		newExportCmd(opts),
		newDailyCmd(opts),
		newHourlyCmd(opts),
		newServeCmd(opts),
		newVerifyCmd(),
		newRekeyCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logging.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func (o *rootOptions) openEngine() (*core.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return newEngine(cfg)
}

func newEngine(cfg config.Config) (*core.Engine, error) {
	engine, err := core.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening analytics store: %w", err)
	}
	return engine, nil
}

func closeEngine(engine *core.Engine, errp *error) {
	if err := engine.Close(); err != nil && *errp == nil {
		*errp = err
	}
}
