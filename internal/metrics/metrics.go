// Package metrics derives quality metrics from outcome counts and records.
// Every function is pure and returns zero values for empty input.
package metrics

import (
	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/models"
)

// Counts holds the four confusion-matrix totals.
type Counts struct {
	TruePositives  int `json:"true_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
}

// Total is the number of records that received an outcome.
func (c Counts) Total() int {
	return c.TruePositives + c.TrueNegatives + c.FalsePositives + c.FalseNegatives
}

// Correct is TP + TN.
func (c Counts) Correct() int {
	return c.TruePositives + c.TrueNegatives
}

// Incorrect is FP + FN.
func (c Counts) Incorrect() int {
	return c.FalsePositives + c.FalseNegatives
}

// CountsFromAggregate reads the running totals of agg.
func CountsFromAggregate(agg analytics.Aggregate) Counts {
	return Counts{
		TruePositives:  agg.TruePositives,
		TrueNegatives:  agg.TrueNegatives,
		FalsePositives: agg.FalsePositives,
		FalseNegatives: agg.FalseNegatives,
	}
}

// CountOutcomes tallies the outcomes of records.
func CountOutcomes(records []models.OutcomeRecord) Counts {
	var c Counts
	for _, rec := range records {
		switch rec.Outcome {
		case models.OutcomeTruePositive:
			c.TruePositives++
		case models.OutcomeTrueNegative:
			c.TrueNegatives++
		case models.OutcomeFalsePositive:
			c.FalsePositives++
		case models.OutcomeFalseNegative:
			c.FalseNegatives++
		}
	}
	return c
}

// ConfusionMatrix lays c out as [[TN, FP], [FN, TP]]: rows are actual
// safe/harmful, columns predicted safe/harmful. The layout is a display
// contract shared with the dashboard.
func ConfusionMatrix(c Counts) [2][2]int {
	return [2][2]int{
		{c.TrueNegatives, c.FalsePositives},
		{c.FalseNegatives, c.TruePositives},
	}
}

// PrecisionRecallF1 computes the three scores; each is 0 when its
// denominator is 0.
func PrecisionRecallF1(c Counts) (precision, recall, f1 float64) {
	precision = ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
	recall = ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1
}

// SuccessRate is (TP + TN) / total * 100, or 0 for total <= 0.
func SuccessRate(c Counts, total int) float64 {
	return ratio(c.Correct(), total) * 100
}

// BlockRate is blocked / total * 100 with the denominator floored at 1.
func BlockRate(blocked, total int) float64 {
	if total < 1 {
		total = 1
	}
	return float64(blocked) / float64(total) * 100
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
