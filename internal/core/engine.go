package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/analytics/store"
	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/classifier"
	"github.com/slyt3/guardstats/internal/config"
	"github.com/slyt3/guardstats/internal/crypto"
	"github.com/slyt3/guardstats/internal/harness"
	"github.com/slyt3/guardstats/internal/ingest"
	"github.com/slyt3/guardstats/internal/logging"
	"github.com/slyt3/guardstats/internal/metrics"
	"github.com/slyt3/guardstats/internal/report"
)

// Engine is the central state manager for guardstats
type Engine struct {
	Config config.Config
	Store  *analytics.Store
	Worker *ingest.Worker
	Signer *crypto.Signer

	started atomic.Bool
}

// NewEngine opens the configured persistence backend, loads the aggregate
// and prepares (but does not start) the ingest worker.
func NewEngine(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p, err := store.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	var opts []analytics.Option
	if cfg.Storage.WriteThrough {
		opts = append(opts, analytics.WithWriteThrough())
	}
	st, err := analytics.NewStore(p, opts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	w, err := ingest.NewWorker(cfg.Ingest.BufferSize, st,
		ingest.WithBackpressure(cfg.Backpressure()),
		ingest.WithFlushInterval(cfg.Storage.FlushInterval),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine := NewEngineWith(cfg, st, w)
	if cfg.Export.SigningKey != "" {
		signer, err := crypto.NewSigner(cfg.Export.SigningKey)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("loading signing key: %w", err)
		}
		engine.Signer = signer
	}

	logging.Info("engine_ready", logging.Fields{
		Component: "core",
		Backend:   cfg.Storage.Backend,
		Path:      cfg.Storage.Path,
		Count:     st.Snapshot().TotalQueries,
	})
	return engine, nil
}

// NewEngineWith assembles an engine from existing parts.
func NewEngineWith(cfg config.Config, st *analytics.Store, w *ingest.Worker) *Engine {
	return &Engine{Config: cfg, Store: st, Worker: w}
}

// Start launches the ingest worker.
func (e *Engine) Start() {
	if e.Worker == nil || e.started.Swap(true) {
		return
	}
	e.Worker.Start()
}

// Summary loads the current run summary; nil when no run has been recorded.
func (e *Engine) Summary() (*metrics.RunSummary, error) {
	if e.Config.Storage.SummaryPath == "" {
		return nil, nil
	}
	return report.LoadSummary(e.Config.Storage.SummaryPath)
}

// LastUpdated reports when the snapshot was last persisted. Memory stores
// and unsaved snapshots report the zero time.
func (e *Engine) LastUpdated() time.Time {
	p := e.Store.Persistence()
	if p == nil {
		return time.Time{}
	}
	t, err := p.LastModified()
	if err != nil {
		logging.Warn("last_modified_failed", logging.Fields{Component: "core", Error: err.Error()})
		return time.Time{}
	}
	return t
}

// Overview builds the headline view, preferring the current run summary.
func (e *Engine) Overview() (report.Overview, error) {
	summary, err := e.Summary()
	if err != nil {
		return report.Overview{}, err
	}
	return report.BuildOverview(e.Store.Snapshot(), summary, e.LastUpdated()), nil
}

// BundleOptions signs exported bundles when a signing key is configured.
func (e *Engine) BundleOptions() []report.BundleOption {
	if e.Signer == nil {
		return nil
	}
	return []report.BundleOption{report.WithSigner(e.Signer)}
}

// OpenClassifier loads the configured rule file. watch enables hot reload;
// the caller stops the engine.
func (e *Engine) OpenClassifier(watch bool) (*classifier.Engine, error) {
	c, err := classifier.NewEngine(e.Config.Harness.RulesPath)
	if err != nil {
		return nil, err
	}
	if watch {
		if err := c.Watch(); err != nil {
			_ = c.Stop()
			return nil, err
		}
	}
	return c, nil
}

// NewRunner returns a harness runner that records into the store and
// writes the run summary to the configured path.
func (e *Engine) NewRunner(c classifier.Classifier, opts ...harness.Option) (*harness.Runner, error) {
	if err := assert.NotNil(e, "engine"); err != nil {
		return nil, err
	}
	base := []harness.Option{
		harness.WithConcurrency(e.Config.Harness.Concurrency),
		harness.WithSummaryPath(e.Config.Storage.SummaryPath),
	}
	return harness.NewRunner(c, e.Store, append(base, opts...)...)
}

// Close drains the worker when it was started, then flushes and closes
// the store.
func (e *Engine) Close() error {
	if e.started.Load() {
		if err := e.Worker.Shutdown(e.Config.API.ShutdownTimeout); err != nil {
			_ = e.Store.Close()
			return err
		}
	}
	return e.Store.Close()
}
