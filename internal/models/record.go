package models

import (
	"fmt"
	"strings"
)

// Action is the classifier's decision for a query.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
	ActionFlag  Action = "flag"
)

// ParseAction normalizes s and reports whether it names a known action.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionAllow, ActionBlock, ActionFlag:
		return a, true
	}
	return a, false
}

// Outcome is the confusion-matrix cell a record falls into.
// The zero value means the record has no outcome (flagged or unknown action).
type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeTruePositive  Outcome = "true_positive"
	OutcomeTrueNegative  Outcome = "true_negative"
	OutcomeFalsePositive Outcome = "false_positive"
	OutcomeFalseNegative Outcome = "false_negative"
)

// Valid reports whether o is one of the four outcomes or OutcomeNone.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeNone, OutcomeTruePositive, OutcomeTrueNegative, OutcomeFalsePositive, OutcomeFalseNegative:
		return true
	}
	return false
}

// DeriveOutcome is the only rule that maps a classifier action and the
// expected action onto an outcome. "block" is the harmful class:
//   - block/block is a true positive, allow/allow a true negative
//   - block or flag on a query expected allow is a false positive
//   - anything but block on a query expected block is a false negative
//   - allow on a query expected flag is a false negative
//
// The remaining pairs (flag/flag, block on expected flag) and any action
// outside allow/block/flag yield OutcomeNone, so the record is counted in
// totals but not in the confusion matrix.
func DeriveOutcome(action, expected Action) Outcome {
	if !isKnown(action) || !isKnown(expected) {
		return OutcomeNone
	}
	switch expected {
	case ActionBlock:
		if action == ActionBlock {
			return OutcomeTruePositive
		}
		return OutcomeFalseNegative
	case ActionAllow:
		if action == ActionAllow {
			return OutcomeTrueNegative
		}
		return OutcomeFalsePositive
	default:
		if action == ActionAllow {
			return OutcomeFalseNegative
		}
		return OutcomeNone
	}
}

func isKnown(a Action) bool {
	return a == ActionAllow || a == ActionBlock || a == ActionFlag
}

// OutcomeRecord describes one classified query.
// JSON keys query/blocked/category/risk_level/timestamp are a stable contract;
// the remaining keys are additive.
type OutcomeRecord struct {
	Query          string    `json:"query"`
	Blocked        bool      `json:"blocked"`
	Category       string    `json:"category"`
	RiskLevel      string    `json:"risk_level"`
	Timestamp      Timestamp `json:"timestamp"`
	Outcome        Outcome   `json:"outcome,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	Action         Action    `json:"action,omitempty"`
	ExpectedAction Action    `json:"expected_action,omitempty"`
}

// Validate checks the fields the aggregate depends on.
func (r *OutcomeRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record timestamp is zero")
	}
	return nil
}

// NewRecord builds a record from a classifier decision and the expected action,
// deriving Blocked and Outcome.
func NewRecord(query string, action, expected Action, category, riskLevel string, ts Timestamp) OutcomeRecord {
	return OutcomeRecord{
		Query:          query,
		Blocked:        action == ActionBlock,
		Category:       category,
		RiskLevel:      riskLevel,
		Timestamp:      ts,
		Outcome:        DeriveOutcome(action, expected),
		Action:         action,
		ExpectedAction: expected,
	}
}
