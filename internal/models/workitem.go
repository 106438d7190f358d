package models

import (
	"time"

	"github.com/google/uuid"
)

// Progress tracks how far an evaluation has gotten. It is mutated only
// by the worker executing the item.
type Progress struct {
	EvaluatedCount int    `json:"evaluated_count"`
	TotalCount     int    `json:"total_count"`
	Phase          string `json:"phase,omitempty"`
}

// WorkItem represents one quiz-evaluation request, tracked from
// submission to terminal outcome.
type WorkItem struct {
	JobID            string     `json:"job_id" db:"job_id"`
	QuizID           string     `json:"quiz_id" db:"quiz_id"`
	Payload          string     `json:"payload,omitempty" db:"payload"`
	State            string     `json:"state" db:"state"`
	AssignedWorkerID *int       `json:"assigned_worker_id,omitempty" db:"assigned_worker_id"`
	EnqueuedAt       time.Time  `json:"enqueued_at" db:"enqueued_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ErrorMessage     string     `json:"error_message,omitempty" db:"error_message"`
	Progress         Progress   `json:"progress"`
}

// NewWorkItem creates a queued work item for a quiz with a freshly
// generated job id.
func NewWorkItem(quizID, payload string) *WorkItem {
	return &WorkItem{
		JobID:      uuid.NewString(),
		QuizID:     quizID,
		Payload:    payload,
		State:      StateQueued,
		EnqueuedAt: time.Now(),
	}
}

// IsTerminal reports whether a state accepts no further transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge of the work
// item state machine:
//
//	queued     -> evaluating | cancelled
//	evaluating -> completed | failed | cancelled
func CanTransition(from, to string) bool {
	switch from {
	case StateQueued:
		return to == StateEvaluating || to == StateCancelled
	case StateEvaluating:
		return to == StateCompleted || to == StateFailed || to == StateCancelled
	}
	return false
}

// DurationSeconds returns finished - started, or nil while either
// timestamp is missing.
func (w *WorkItem) DurationSeconds() *float64 {
	if w.StartedAt == nil || w.FinishedAt == nil {
		return nil
	}
	d := w.FinishedAt.Sub(*w.StartedAt).Seconds()
	return &d
}

// Active reports whether the item still counts against the per-quiz
// dedup invariant.
func (w *WorkItem) Active() bool {
	return !IsTerminal(w.State)
}
