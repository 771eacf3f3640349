package metrics

import (
	"time"

	"github.com/slyt3/guardstats/internal/models"
)

// OutcomeLabels carries the four counts under the display labels the
// dashboard reads.
type OutcomeLabels struct {
	TruePositives  int `json:"True Positives"`
	TrueNegatives  int `json:"True Negatives"`
	FalsePositives int `json:"False Positives"`
	FalseNegatives int `json:"False Negatives"`
}

// RunSummary describes a single test run.
type RunSummary struct {
	Timestamp       models.Timestamp `json:"timestamp"`
	RunID           string           `json:"run_id,omitempty"`
	Metrics         OutcomeLabels    `json:"metrics"`
	ConfusionMatrix [2][2]int        `json:"confusion_matrix"`
	Precision       float64          `json:"precision"`
	Recall          float64          `json:"recall"`
	F1Score         float64          `json:"f1_score"`
	TotalTests      int              `json:"total_tests"`
	SuccessRate     float64          `json:"success_rate"`
}

// Counts converts the labelled metrics back to Counts.
func (s RunSummary) Counts() Counts {
	return Counts{
		TruePositives:  s.Metrics.TruePositives,
		TrueNegatives:  s.Metrics.TrueNegatives,
		FalsePositives: s.Metrics.FalsePositives,
		FalseNegatives: s.Metrics.FalseNegatives,
	}
}

// Successes is TP + TN.
func (s RunSummary) Successes() int { return s.Counts().Correct() }

// Failures is FP + FN.
func (s RunSummary) Failures() int { return s.Counts().Incorrect() }

// Summarize computes the run summary for records, stamped with generatedAt.
// total_tests counts classified records only; records without an outcome
// are left out of the success rate denominator.
func Summarize(runID string, records []models.OutcomeRecord, generatedAt time.Time) RunSummary {
	c := CountOutcomes(records)
	return SummarizeCounts(runID, c, c.Total(), generatedAt)
}

// SummarizeCounts builds a summary from precomputed counts.
func SummarizeCounts(runID string, c Counts, total int, generatedAt time.Time) RunSummary {
	p, r, f1 := PrecisionRecallF1(c)
	return RunSummary{
		Timestamp: models.NewTimestamp(generatedAt),
		RunID:     runID,
		Metrics: OutcomeLabels{
			TruePositives:  c.TruePositives,
			TrueNegatives:  c.TrueNegatives,
			FalsePositives: c.FalsePositives,
			FalseNegatives: c.FalseNegatives,
		},
		ConfusionMatrix: ConfusionMatrix(c),
		Precision:       p,
		Recall:          r,
		F1Score:         f1,
		TotalTests:      total,
		SuccessRate:     SuccessRate(c, total),
	}
}
