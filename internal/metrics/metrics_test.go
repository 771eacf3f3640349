package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/models"
)

func rec(ts time.Time, blocked bool, category string, outcome models.Outcome) models.OutcomeRecord {
	return models.OutcomeRecord{
		Query:     "q",
		Blocked:   blocked,
		Category:  category,
		RiskLevel: "low",
		Timestamp: models.NewTimestamp(ts),
		Outcome:   outcome,
	}
}

func TestConfusionMatrixLayout(t *testing.T) {
	c := Counts{TruePositives: 16, TrueNegatives: 13, FalsePositives: 0, FalseNegatives: 2}
	assert.Equal(t, [2][2]int{{13, 0}, {2, 16}}, ConfusionMatrix(c))
}

func TestPrecisionRecallF1Scenario(t *testing.T) {
	c := Counts{TruePositives: 16, TrueNegatives: 13, FalsePositives: 0, FalseNegatives: 2}

	p, r, f1 := PrecisionRecallF1(c)
	assert.InDelta(t, 1.0, p, 1e-9)
	assert.InDelta(t, 16.0/18.0, r, 1e-9)
	assert.InDelta(t, 0.941, f1, 0.0005)
	assert.InDelta(t, 93.548, SuccessRate(c, c.Total()), 0.001)
}

func TestZeroDenominators(t *testing.T) {
	p, r, f1 := PrecisionRecallF1(Counts{})
	assert.Zero(t, p)
	assert.Zero(t, r)
	assert.Zero(t, f1)

	// TP = FP = 0 but FN > 0: precision undefined, recall 0
	p, r, f1 = PrecisionRecallF1(Counts{FalseNegatives: 4, TrueNegatives: 2})
	assert.Zero(t, p)
	assert.Zero(t, r)
	assert.Zero(t, f1)

	assert.Zero(t, SuccessRate(Counts{}, 0))
	assert.Zero(t, BlockRate(0, 0))
}

func TestBlockRateFloorsDenominator(t *testing.T) {
	assert.InDelta(t, 25.0, BlockRate(1, 4), 1e-9)
	assert.InDelta(t, 100.0, BlockRate(1, 0), 1e-9)
}

func TestCountOutcomesIgnoresNone(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []models.OutcomeRecord{
		rec(now, true, "violence", models.OutcomeTruePositive),
		rec(now, false, "legitimate", models.OutcomeTrueNegative),
		rec(now, false, "unknown", models.OutcomeNone),
		rec(now, true, "legitimate", models.OutcomeFalsePositive),
	}
	c := CountOutcomes(records)
	assert.Equal(t, Counts{TruePositives: 1, TrueNegatives: 1, FalsePositives: 1}, c)
	assert.Equal(t, 3, c.Total())
}

func TestCountsFromAggregate(t *testing.T) {
	agg := analytics.NewAggregate()
	agg.TruePositives, agg.FalseNegatives = 3, 2
	assert.Equal(t, Counts{TruePositives: 3, FalseNegatives: 2}, CountsFromAggregate(agg))
}

func TestBucketByDateSkipsEmptyDates(t *testing.T) {
	day1 := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	day3 := time.Date(2025, 5, 3, 22, 15, 0, 0, time.UTC)
	records := []models.OutcomeRecord{
		rec(day3, true, "violence", models.OutcomeTruePositive),
		rec(day1, false, "legitimate", models.OutcomeTrueNegative),
		rec(day1, true, "instruction", models.OutcomeTruePositive),
		rec(day3.Add(time.Hour), false, "legitimate", models.OutcomeTrueNegative),
	}

	buckets := BucketByDate(records)
	require.Len(t, buckets, 2)
	assert.Equal(t, DailyBucket{Date: "2025-05-01", Count: 2, Blocked: 1, BlockRate: 50}, buckets[0])
	assert.Equal(t, "2025-05-03", buckets[1].Date)
	assert.Equal(t, 2, buckets[1].Count)
}

func TestBucketByHourAcrossDates(t *testing.T) {
	records := []models.OutcomeRecord{
		rec(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC), false, "a", models.OutcomeNone),
		rec(time.Date(2025, 5, 2, 9, 59, 0, 0, time.UTC), false, "a", models.OutcomeNone),
		rec(time.Date(2025, 5, 2, 23, 0, 0, 0, time.UTC), false, "a", models.OutcomeNone),
	}
	assert.Equal(t, map[int]int{9: 2, 23: 1}, BucketByHour(records))

	dense := HourlyActivity(records)
	assert.Equal(t, 2, dense[9])
	assert.Equal(t, 1, dense[23])
	assert.Equal(t, 0, dense[0])
}

func TestCategoryBreakdown(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	records := []models.OutcomeRecord{
		rec(now, true, "violence", models.OutcomeTruePositive),
		rec(now, false, "legitimate", models.OutcomeTrueNegative),
		rec(now, false, "legitimate", models.OutcomeTrueNegative),
		rec(now, true, "legitimate", models.OutcomeFalsePositive),
	}

	breakdown := CategoryBreakdown(records)
	require.Len(t, breakdown, 2)
	assert.Equal(t, "legitimate", breakdown[0].Category)
	assert.Equal(t, 3, breakdown[0].Total)
	assert.InDelta(t, 100.0/3.0, breakdown[0].BlockRate, 1e-9)

	rates := BlockRateByCategory(records)
	assert.Len(t, rates, 2)
	assert.InDelta(t, 100.0, rates["violence"], 1e-9)
}

func TestEmptyInputsYieldZeros(t *testing.T) {
	assert.Empty(t, BucketByDate(nil))
	assert.Empty(t, BucketByHour(nil))
	assert.Empty(t, BlockRateByCategory(nil))
	assert.Equal(t, Counts{}, CountOutcomes(nil))

	s := Summarize("", nil, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Zero(t, s.TotalTests)
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.Precision)
}

func TestSummarize(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	var records []models.OutcomeRecord
	for i := 0; i < 16; i++ {
		records = append(records, rec(now, true, "violence", models.OutcomeTruePositive))
	}
	for i := 0; i < 13; i++ {
		records = append(records, rec(now, false, "legitimate", models.OutcomeTrueNegative))
	}
	for i := 0; i < 2; i++ {
		records = append(records, rec(now, false, "violence", models.OutcomeFalseNegative))
	}

	s := Summarize("run-1", records, now)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 31, s.TotalTests)
	assert.Equal(t, [2][2]int{{13, 0}, {2, 16}}, s.ConfusionMatrix)
	assert.InDelta(t, 93.5, s.SuccessRate, 0.05)
	assert.Equal(t, 29, s.Successes())
	assert.Equal(t, 2, s.Failures())
	assert.Equal(t, 16, s.Metrics.TruePositives)
}

func TestSummarizeExcludesUnclassifiedRecords(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	var records []models.OutcomeRecord
	for i := 0; i < 16; i++ {
		records = append(records, rec(now, true, "violence", models.OutcomeTruePositive))
	}
	for i := 0; i < 13; i++ {
		records = append(records, rec(now, false, "legitimate", models.OutcomeTrueNegative))
	}
	for i := 0; i < 2; i++ {
		records = append(records, rec(now, false, "violence", models.OutcomeFalseNegative))
	}
	for i := 0; i < 5; i++ {
		records = append(records, rec(now, false, "instruction", models.OutcomeNone))
	}

	s := Summarize("run-1", records, now)
	assert.Equal(t, 31, s.TotalTests)
	assert.InDelta(t, 93.548, s.SuccessRate, 0.001)
}
