package evaluator

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/evalify/DescriptiveEval/internal/models"
)

// simPayload is the slice of the submission payload the simulator reads.
type simPayload struct {
	ResponseCount int `json:"response_count"`
}

// Sim is a stand-in evaluation routine that paces through the quiz's
// responses one at a time, reporting progress after each. Used by the
// default wiring and by scheduler tests; real deployments swap in an
// LLM-backed Evaluator.
type Sim struct {
	// StepDelay is the simulated time spent per response.
	StepDelay time.Duration
	// Jitter adds up to this much extra delay per response.
	Jitter time.Duration
	// DefaultTotal is used when the payload carries no response count.
	DefaultTotal int
}

// NewSim creates a simulator with the given per-response delay.
func NewSim(stepDelay time.Duration) *Sim {
	return &Sim{StepDelay: stepDelay, DefaultTotal: 10}
}

// Evaluate implements Evaluator.
func (s *Sim) Evaluate(ctx context.Context, item *models.WorkItem, report ProgressFunc) (*Result, error) {
	total := s.DefaultTotal
	if item.Payload != "" {
		var p simPayload
		if err := json.Unmarshal([]byte(item.Payload), &p); err == nil && p.ResponseCount > 0 {
			total = p.ResponseCount
		}
	}

	report(0, total, models.PhaseValidation)

	for i := 1; i <= total; i++ {
		delay := s.StepDelay
		if s.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(s.Jitter)))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		report(i, total, models.PhaseEvaluating)
	}

	report(total, total, models.PhaseSaving)
	return &Result{Evaluated: total, Total: total}, nil
}
