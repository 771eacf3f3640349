package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/analytics/store"
	"github.com/slyt3/guardstats/internal/config"
	"github.com/slyt3/guardstats/internal/harness"
	"github.com/slyt3/guardstats/internal/models"
	"github.com/slyt3/guardstats/internal/report"
)

const testRules = `
version: "1"
safety_categories:
  instruction:
    blocked_patterns: ["how to kill"]
  violence:
    flagged_patterns: ["definition of violence"]
    discussion_patterns: ["is violence good"]
`

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Backend = backend
	cfg.Storage.Path = filepath.Join(dir, "test_analytics.json")
	if backend == store.BackendSQLite {
		cfg.Storage.Path = filepath.Join(dir, "guardstats.db")
	}
	cfg.Storage.SummaryPath = filepath.Join(dir, "current_test_summary.json")
	cfg.Storage.FlushInterval = 0
	cfg.Harness.RulesPath = filepath.Join(dir, "filter_rules.yaml")
	require.NoError(t, os.WriteFile(cfg.Harness.RulesPath, []byte(testRules), 0o644))
	return cfg
}

func TestEngineRunDefaultCases(t *testing.T) {
	for _, backend := range []string{store.BackendFile, store.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			engine, err := NewEngine(cfg)
			require.NoError(t, err)

			ov, err := engine.Overview()
			require.NoError(t, err)
			assert.Equal(t, report.SourceHistory, ov.Source)
			assert.Nil(t, ov.LastUpdated)

			cls, err := engine.OpenClassifier(false)
			require.NoError(t, err)
			defer cls.Stop()

			runner, err := engine.NewRunner(cls, harness.WithRunID(func() string { return "run-1" }))
			require.NoError(t, err)
			res, err := runner.Run(context.Background(), harness.DefaultCases())
			require.NoError(t, err)
			assert.Empty(t, res.Failed())

			ov, err = engine.Overview()
			require.NoError(t, err)
			assert.Equal(t, report.SourceCurrentRun, ov.Source)
			assert.Equal(t, "run-1", ov.RunID)
			assert.Equal(t, 3, ov.TotalQueries)
			assert.Equal(t, 1, ov.BlockedQueries)
			assert.False(t, engine.LastUpdated().IsZero())
			require.NoError(t, engine.Close())

			reopened, err := NewEngine(cfg)
			require.NoError(t, err)
			defer reopened.Close()
			assert.Equal(t, 3, reopened.Store.Snapshot().TotalQueries)
		})
	}
}

func TestEngineWorkerDrainsOnClose(t *testing.T) {
	cfg := testConfig(t, store.BackendFile)
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	engine.Start()
	engine.Start()

	ts := models.NewTimestamp(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	for i := 0; i < 10; i++ {
		require.NoError(t, engine.Worker.Submit(models.NewRecord("q", models.ActionBlock, models.ActionBlock, "violence", "high", ts)))
	}
	require.NoError(t, engine.Close())

	p, err := store.NewFileStore(cfg.Storage.Path)
	require.NoError(t, err)
	agg, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, agg.TotalQueries)
	assert.Equal(t, 10, agg.TruePositives)
}

func TestNewEngineRejectsCorruptState(t *testing.T) {
	cfg := testConfig(t, store.BackendFile)
	require.NoError(t, os.WriteFile(cfg.Storage.Path, []byte("{not json"), 0o644))

	_, err := NewEngine(cfg)
	assert.ErrorIs(t, err, analytics.ErrCorruptState)
}

func TestOpenClassifierMissingRules(t *testing.T) {
	cfg := testConfig(t, store.BackendFile)
	cfg.Harness.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.OpenClassifier(false)
	assert.Error(t, err)
}

func TestEngineSignsBundles(t *testing.T) {
	cfg := testConfig(t, store.BackendFile)
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Nil(t, engine.Signer)
	assert.Empty(t, engine.BundleOptions())
	require.NoError(t, engine.Close())

	cfg.Export.SigningKey = filepath.Join(t.TempDir(), "bundle.key")
	engine, err = NewEngine(cfg)
	require.NoError(t, err)
	defer engine.Close()
	require.NotNil(t, engine.Signer)
	assert.Len(t, engine.BundleOptions(), 1)
}

func TestNewEngineRejectsBadSigningKey(t *testing.T) {
	cfg := testConfig(t, store.BackendFile)
	cfg.Export.SigningKey = filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(cfg.Export.SigningKey, []byte("zz"), 0o600))

	_, err := NewEngine(cfg)
	assert.ErrorContains(t, err, "signing key")
}
