package scheduler

import (
	"context"
	"time"

	"github.com/evalify/DescriptiveEval/internal/storage"
	"github.com/evalify/DescriptiveEval/pkg/utils"
)

// Dispatcher matches queued work items to idle workers: FIFO by
// enqueued_at, one active item per quiz (enforced at submission, so any
// queued item is safe to bind). Completions wake it immediately; a
// ticker is the bounded polling fallback.
type Dispatcher struct {
	store    storage.Storage
	pool     *Pool
	logger   *utils.Logger
	interval time.Duration
	wake     chan struct{}
}

// NewDispatcher creates the assignment loop. interval bounds how long a
// queued item can wait when no wake signal arrives.
func NewDispatcher(store storage.Storage, pool *Pool, interval time.Duration, logger *utils.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		pool:     pool,
		logger:   logger.WithComponent("dispatcher"),
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the loop to re-evaluate assignment now. Safe to call from
// any goroutine; signals coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives assignment until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("Assignment loop started (fallback interval: %v)", d.interval)

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Assignment loop stopped")
			return
		case <-d.wake:
			d.assign(ctx)
		case <-ticker.C:
			d.assign(ctx)
		}
	}
}

// assign binds queued items to idle workers until either runs out.
func (d *Dispatcher) assign(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !d.dispatchOne(ctx) {
			return
		}
	}
}

// dispatchOne reserves an idle worker, then claims the oldest queued
// item in the same storage transaction that marks it evaluating. The
// reservation guarantees the claimed item has a live destination, so
// two workers can never race for one quiz.
func (d *Dispatcher) dispatchOne(ctx context.Context) bool {
	w := d.pool.AcquireIdle()
	if w == nil {
		return false
	}

	item, err := d.store.ClaimOldestQueued(ctx, w.ID())
	if err != nil {
		d.pool.Release(w)
		d.logger.Error("Failed to claim queued work item: %v", err)
		return false
	}
	if item == nil {
		d.pool.Release(w)
		return false
	}

	if err := w.Assign(item); err != nil {
		// The worker vanished between reservation and hand-off; the
		// fleet monitor will fail the claimed item.
		d.logger.Error("Failed to assign job %s to worker %d: %v", item.JobID, w.ID(), err)
		return false
	}

	d.logger.Info("Assigned job %s (quiz %s) to worker %d", item.JobID, item.QuizID, w.ID())
	return true
}
