// Package evaluator defines the contract between the orchestrator and
// the opaque quiz-evaluation routine. The orchestrator never looks
// inside an evaluation; it supplies a context for cancellation and a
// callback for progress, and records the terminal outcome.
package evaluator

import (
	"context"

	"github.com/evalify/DescriptiveEval/internal/models"
)

// ProgressFunc receives periodic progress samples from a running
// evaluation. Implementations must tolerate being called after the job
// has been cancelled; late samples are discarded downstream.
type ProgressFunc func(evaluated, total int, phase string)

// Result is the final output of a successful evaluation.
type Result struct {
	Evaluated int `json:"evaluated"`
	Total     int `json:"total"`
}

// Evaluator runs one quiz evaluation to completion or cancellation.
// Implementations must return ctx.Err() promptly once the context is
// cancelled, and must be restart-safe: an aborted run may be retried
// later by external policy.
type Evaluator interface {
	Evaluate(ctx context.Context, item *models.WorkItem, report ProgressFunc) (*Result, error)
}

// Func adapts a plain function to the Evaluator interface.
type Func func(ctx context.Context, item *models.WorkItem, report ProgressFunc) (*Result, error)

// Evaluate implements Evaluator.
func (f Func) Evaluate(ctx context.Context, item *models.WorkItem, report ProgressFunc) (*Result, error) {
	return f(ctx, item, report)
}
