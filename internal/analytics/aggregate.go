package analytics

import (
	"github.com/slyt3/guardstats/internal/models"
)

// Aggregate is the durable running state: global counters, per-category and
// per-risk-level counters, outcome totals and the chronological record log.
// The JSON keys are the persisted snapshot contract.
type Aggregate struct {
	TotalQueries      int                    `json:"total_queries"`
	BlockedQueries    int                    `json:"blocked_queries"`
	CategoriesBlocked map[string]int         `json:"categories_blocked"`
	RiskLevels        map[string]int         `json:"risk_levels"`
	TruePositives     int                    `json:"true_positives"`
	TrueNegatives     int                    `json:"true_negatives"`
	FalsePositives    int                    `json:"false_positives"`
	FalseNegatives    int                    `json:"false_negatives"`
	SessionData       []models.OutcomeRecord `json:"session_data"`
}

// NewAggregate returns an empty aggregate with non-nil maps and log.
func NewAggregate() Aggregate {
	return Aggregate{
		CategoriesBlocked: make(map[string]int),
		RiskLevels:        make(map[string]int),
		SessionData:       make([]models.OutcomeRecord, 0),
	}
}

// normalize replaces nil collections so a loaded snapshot behaves like NewAggregate.
func (a *Aggregate) normalize() {
	if a.CategoriesBlocked == nil {
		a.CategoriesBlocked = make(map[string]int)
	}
	if a.RiskLevels == nil {
		a.RiskLevels = make(map[string]int)
	}
	if a.SessionData == nil {
		a.SessionData = make([]models.OutcomeRecord, 0)
	}
}

// apply folds one record into the counters and appends it to the log.
// Category and risk entries are created at zero on first sight.
func (a *Aggregate) apply(rec models.OutcomeRecord) {
	a.SessionData = append(a.SessionData, rec)
	a.TotalQueries++
	if rec.Blocked {
		a.BlockedQueries++
	}
	a.CategoriesBlocked[rec.Category]++
	a.RiskLevels[rec.RiskLevel]++

	switch rec.Outcome {
	case models.OutcomeTruePositive:
		a.TruePositives++
	case models.OutcomeTrueNegative:
		a.TrueNegatives++
	case models.OutcomeFalsePositive:
		a.FalsePositives++
	case models.OutcomeFalseNegative:
		a.FalseNegatives++
	}
}

// Clone returns a deep copy.
func (a Aggregate) Clone() Aggregate {
	out := a
	out.CategoriesBlocked = make(map[string]int, len(a.CategoriesBlocked))
	for k, v := range a.CategoriesBlocked {
		out.CategoriesBlocked[k] = v
	}
	out.RiskLevels = make(map[string]int, len(a.RiskLevels))
	for k, v := range a.RiskLevels {
		out.RiskLevels[k] = v
	}
	out.SessionData = make([]models.OutcomeRecord, len(a.SessionData))
	copy(out.SessionData, a.SessionData)
	return out
}

// Classified is the sum of the four outcome totals.
func (a Aggregate) Classified() int {
	return a.TruePositives + a.TrueNegatives + a.FalsePositives + a.FalseNegatives
}

// Empty reports whether nothing has been ingested.
func (a Aggregate) Empty() bool {
	return a.TotalQueries == 0
}

// CheckInvariants reports the first violated aggregate invariant, if any.
// Used after loading snapshots written by other tools.
func (a Aggregate) CheckInvariants() error {
	switch {
	case a.TotalQueries != len(a.SessionData):
		return invariantError("total_queries %d != len(session_data) %d", a.TotalQueries, len(a.SessionData))
	case a.BlockedQueries > a.TotalQueries:
		return invariantError("blocked_queries %d > total_queries %d", a.BlockedQueries, a.TotalQueries)
	case a.Classified() > a.TotalQueries:
		return invariantError("outcome totals %d > total_queries %d", a.Classified(), a.TotalQueries)
	}
	return nil
}
