package storage

import (
	"context"
	"errors"
	"time"

	"github.com/evalify/DescriptiveEval/internal/models"
)

// Sentinel errors for the orchestrator's error taxonomy. Callers branch
// with errors.Is.
var (
	// ErrDuplicateActiveJob is returned when a submission conflicts with
	// a non-terminal work item for the same quiz.
	ErrDuplicateActiveJob = errors.New("quiz already has an active evaluation")

	// ErrIllegalTransition is returned when a state change does not
	// follow a legal edge of the work item state machine.
	ErrIllegalTransition = errors.New("illegal work item state transition")

	// ErrAlreadyTerminal is reported when a transition or progress update
	// targets an item that has already reached a terminal state. Callers
	// treat it as a no-op, not a failure.
	ErrAlreadyTerminal = errors.New("work item already terminal")

	// ErrNotFound is returned for reads of unknown jobs, quizzes, or
	// workers. A normal empty result, not an error state.
	ErrNotFound = errors.New("not found")
)

// Storage defines the durable store for work items and worker history.
// Submit, ClaimOldestQueued, Transition, and UpdateProgress are atomic:
// the dedup check, the FIFO claim, and the legality check each happen in
// the same transaction as the write they guard.
type Storage interface {
	// Work item operations
	SubmitWorkItem(ctx context.Context, item *models.WorkItem) error
	GetWorkItem(ctx context.Context, jobID string) (*models.WorkItem, error)
	GetActiveWorkItemByQuiz(ctx context.Context, quizID string) (*models.WorkItem, error)
	GetLatestWorkItemByQuiz(ctx context.Context, quizID string) (*models.WorkItem, error)
	ListWorkItems(ctx context.Context, state string, limit int) ([]*models.WorkItem, error)
	ClaimOldestQueued(ctx context.Context, workerID int) (*models.WorkItem, error)
	Transition(ctx context.Context, jobID, newState, errorMessage string) error
	UpdateProgress(ctx context.Context, jobID string, evaluated, total int, phase string) error
	RecoverOrphans(ctx context.Context) (int, error)

	// Worker history operations
	RegisterWorker(ctx context.Context, rec *models.WorkerRecord) error
	UpdateWorkerStatus(ctx context.Context, workerID int, status string, jobsCompleted int64, lastSeen time.Time) error
	ListWorkers(ctx context.Context) ([]*models.WorkerRecord, error)

	// Database management
	Close() error
	Ping(ctx context.Context) error
}
