package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/classifier"
	"github.com/slyt3/guardstats/internal/logging"
	"github.com/slyt3/guardstats/internal/metrics"
	"github.com/slyt3/guardstats/internal/models"
	"github.com/slyt3/guardstats/internal/report"
)

// Sink receives the records of a run. *analytics.Store satisfies it.
type Sink interface {
	IngestBatch(recs []models.OutcomeRecord) error
	Flush() error
}

// CaseResult pairs a test case with the classifier's decision.
type CaseResult struct {
	Case     TestCase
	Decision classifier.Decision
	Outcome  models.Outcome
}

// Passed reports whether the classifier took the expected action.
func (r CaseResult) Passed() bool {
	return r.Decision.Action == r.Case.ExpectedAction
}

// CategoryMatched reports whether the category agrees, when one was expected.
func (r CaseResult) CategoryMatched() bool {
	return r.Case.ExpectedCategory == "" || r.Case.ExpectedCategory == r.Decision.Category
}

// Result is the outcome of one run.
type Result struct {
	RunID   string
	Cases   []CaseResult
	Records []models.OutcomeRecord
	Summary metrics.RunSummary
}

// Failed returns the cases whose action did not match.
func (r *Result) Failed() []CaseResult {
	out := make([]CaseResult, 0)
	for _, c := range r.Cases {
		if !c.Passed() {
			out = append(out, c)
		}
	}
	return out
}

// Runner classifies test cases and ingests the outcomes.
type Runner struct {
	classifier  classifier.Classifier
	sink        Sink
	concurrency int
	summaryPath string
	now         func() time.Time
	newRunID    func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds the number of in-flight Classify calls.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithSummaryPath writes the run summary to path after each run.
func WithSummaryPath(path string) Option {
	return func(r *Runner) { r.summaryPath = path }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithRunID fixes the run id generator.
func WithRunID(gen func() string) Option {
	return func(r *Runner) { r.newRunID = gen }
}

// NewRunner returns a runner with concurrency 4 unless configured.
func NewRunner(c classifier.Classifier, sink Sink, opts ...Option) (*Runner, error) {
	if err := assert.NotNil(c, "classifier"); err != nil {
		return nil, err
	}
	if err := assert.NotNil(sink, "sink"); err != nil {
		return nil, err
	}
	r := &Runner{
		classifier:  c,
		sink:        sink,
		concurrency: 4,
		now:         time.Now,
		newRunID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := assert.InRange(r.concurrency, 1, 256, "concurrency"); err != nil {
		return nil, err
	}
	return r, nil
}

// Run classifies every case, then ingests one record per case in case order
// and computes the run summary. A classifier error aborts the run before
// anything is ingested.
func (r *Runner) Run(ctx context.Context, cases []TestCase) (*Result, error) {
	if err := assert.Check(len(cases) <= maxCases, "too many cases: %d", len(cases)); err != nil {
		return nil, err
	}
	runID := r.newRunID()
	logging.Info("run_started", logging.Fields{Component: "harness", RunID: runID, Count: len(cases)})

	decisions := make([]classifier.Decision, len(cases))
	stamps := make([]time.Time, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range cases {
		g.Go(func() error {
			d, err := r.classifier.Classify(gctx, cases[i].Query)
			if err != nil {
				return fmt.Errorf("classifying case %d: %w", i+1, err)
			}
			decisions[i] = d
			stamps[i] = r.now()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Error("run_failed", logging.Fields{Component: "harness", RunID: runID, Error: err.Error()})
		return nil, err
	}

	res := &Result{
		RunID:   runID,
		Cases:   make([]CaseResult, len(cases)),
		Records: make([]models.OutcomeRecord, len(cases)),
	}
	for i, tc := range cases {
		d := decisions[i]
		rec := models.NewRecord(tc.Query, d.Action, tc.ExpectedAction, d.Category, d.RiskLevel, models.NewTimestamp(stamps[i]))
		rec.RunID = runID
		res.Records[i] = rec
		res.Cases[i] = CaseResult{Case: tc, Decision: d, Outcome: rec.Outcome}
		if !res.Cases[i].Passed() {
			logging.Debug("case_mismatch", logging.Fields{
				Component: "harness",
				RunID:     runID,
				Category:  d.Category,
				Action:    string(d.Action),
				Outcome:   string(rec.Outcome),
			})
		}
	}

	if err := r.sink.IngestBatch(res.Records); err != nil {
		return nil, fmt.Errorf("ingesting run %s: %w", runID, err)
	}
	if err := r.sink.Flush(); err != nil {
		return nil, fmt.Errorf("flushing run %s: %w", runID, err)
	}

	res.Summary = metrics.Summarize(runID, res.Records, r.now())
	if r.summaryPath != "" {
		if err := report.WriteSummary(r.summaryPath, res.Summary); err != nil {
			return nil, err
		}
	}

	logging.Info("run_completed", logging.Fields{Component: "harness", RunID: runID, Count: res.Summary.TotalTests})
	return res, nil
}
