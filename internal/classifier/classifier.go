// Package classifier defines the classifier boundary the harness consumes
// and a YAML rule-based reference implementation.
package classifier

import (
	"context"

	"github.com/slyt3/guardstats/internal/models"
)

// Decision is a classifier's verdict for one query.
type Decision struct {
	Action    models.Action `json:"action"`
	Category  string        `json:"category"`
	RiskLevel string        `json:"risk_level"`
}

// Classifier decides what to do with a query. Implementations must be safe
// for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, query string) (Decision, error)
}

// Func adapts a function to the Classifier interface.
type Func func(ctx context.Context, query string) (Decision, error)

func (f Func) Classify(ctx context.Context, query string) (Decision, error) {
	return f(ctx, query)
}
