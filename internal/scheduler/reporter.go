package scheduler

import (
	"context"
	"errors"

	"github.com/evalify/DescriptiveEval/internal/models"
	"github.com/evalify/DescriptiveEval/internal/storage"
)

// listLimit caps how many items each queue partition returns.
const listLimit = 100

// Reporter answers point-in-time status queries. It is strictly
// read-side: storage reads plus pool snapshots, no mutation.
type Reporter struct {
	store storage.Storage
	pool  *Pool
}

// NewReporter creates the read-side status component.
func NewReporter(store storage.Storage, pool *Pool) *Reporter {
	return &Reporter{store: store, pool: pool}
}

// QueueSummary partitions work items by state and counts active workers.
func (r *Reporter) QueueSummary(ctx context.Context) (*models.QueueSummary, error) {
	summary := &models.QueueSummary{ActiveWorkers: r.pool.ActiveCount()}

	var err error
	if summary.Queued, err = r.store.ListWorkItems(ctx, models.StateQueued, listLimit); err != nil {
		return nil, err
	}
	if summary.Failed, err = r.store.ListWorkItems(ctx, models.StateFailed, listLimit); err != nil {
		return nil, err
	}
	if summary.Completed, err = r.store.ListWorkItems(ctx, models.StateCompleted, listLimit); err != nil {
		return nil, err
	}
	if summary.Cancelled, err = r.store.ListWorkItems(ctx, models.StateCancelled, listLimit); err != nil {
		return nil, err
	}

	return summary, nil
}

// JobStatus returns the live work item for a quiz: the active one when
// it exists, otherwise the most recent terminal one. ErrNotFound means
// the quiz was never submitted.
func (r *Reporter) JobStatus(ctx context.Context, quizID string) (*models.WorkItem, error) {
	item, err := r.store.GetActiveWorkItemByQuiz(ctx, quizID)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return r.store.GetLatestWorkItemByQuiz(ctx, quizID)
}

// WorkerStatus returns the full fleet view.
func (r *Reporter) WorkerStatus() []models.WorkerInfo {
	return r.pool.Snapshot()
}
