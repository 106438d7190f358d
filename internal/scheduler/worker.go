package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/evalify/DescriptiveEval/internal/evaluator"
	"github.com/evalify/DescriptiveEval/internal/models"
	"github.com/evalify/DescriptiveEval/internal/storage"
	"github.com/evalify/DescriptiveEval/pkg/utils"
)

// Handle is the opaque execution-context identity for one worker. The
// pool manager owns it exclusively; everything else sees only the name.
type Handle struct {
	Name      string
	StartedAt time.Time
}

// newHandle builds a hostname.pid.seq identity. seq is never reused, so
// a replacement worker always carries a fresh identity.
func newHandle(seq int) *Handle {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Handle{
		Name:      fmt.Sprintf("%s.%d.%d", host, os.Getpid(), seq),
		StartedAt: time.Now(),
	}
}

// Worker is one execution slot. It processes at most one work item at a
// time, samples resource telemetry on a fixed interval independent of
// job execution, and supports graceful and immediate termination.
type Worker struct {
	id                int
	handle            *Handle
	store             storage.Storage
	eval              evaluator.Evaluator
	logger            *utils.Logger
	telemetryInterval time.Duration
	onIdle            func()

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan *models.WorkItem
	done   chan struct{}

	mu            sync.RWMutex
	status        string
	reserved      bool
	crashed       bool
	currentJob    *models.CurrentJob
	jobCancel     context.CancelFunc
	jobsCompleted int64
	cpuPercent    float64
	memPercent    float64
	lastSeen      time.Time
}

func newWorker(parent context.Context, id int, handle *Handle, store storage.Storage,
	eval evaluator.Evaluator, telemetryInterval time.Duration, onIdle func(), logger *utils.Logger) *Worker {

	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		id:                id,
		handle:            handle,
		store:             store,
		eval:              eval,
		logger:            logger.WithComponent(fmt.Sprintf("worker-%d", id)),
		telemetryInterval: telemetryInterval,
		onIdle:            onIdle,
		ctx:               ctx,
		cancel:            cancel,
		tasks:             make(chan *models.WorkItem, 1),
		done:              make(chan struct{}),
		status:            models.WorkerStatusRunning,
		lastSeen:          time.Now(),
	}
}

// start launches the run and telemetry loops.
func (w *Worker) start() {
	go w.run()
	go w.telemetryLoop()
}

// ID returns the stable logical slot number.
func (w *Worker) ID() int { return w.id }

// ProcessName returns the execution-context identity.
func (w *Worker) ProcessName() string { return w.handle.Name }

// Done is closed once the run loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Status returns the current lifecycle status.
func (w *Worker) Status() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Crashed reports whether the run loop died from a panic.
func (w *Worker) Crashed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.crashed
}

// CurrentJob returns the bound work item identity, if any.
func (w *Worker) CurrentJob() (models.CurrentJob, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.currentJob == nil {
		return models.CurrentJob{}, false
	}
	return *w.currentJob, true
}

// LastSeen returns the time of the most recent telemetry heartbeat.
func (w *Worker) LastSeen() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSeen
}

// Info returns a point-in-time snapshot for status queries.
func (w *Worker) Info() models.WorkerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	info := models.WorkerInfo{
		WorkerID:    w.id,
		ProcessName: w.handle.Name,
		Status:      w.status,
		Resources: models.ResourceSnapshot{
			CPUPercent:    w.cpuPercent,
			MemoryPercent: w.memPercent,
		},
		UptimeSeconds: time.Since(w.handle.StartedAt).Seconds(),
		JobsCompleted: w.jobsCompleted,
		LastSeen:      w.lastSeen,
	}
	if w.currentJob != nil {
		job := *w.currentJob
		info.CurrentJob = &job
	}
	return info
}

// idle reports whether the worker can accept a job. Caller holds no lock.
func (w *Worker) idle() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status == models.WorkerStatusRunning && !w.reserved && w.currentJob == nil
}

func (w *Worker) setReserved(v bool) {
	w.mu.Lock()
	w.reserved = v
	w.mu.Unlock()
}

// Assign hands a claimed work item to the worker. The worker must have
// been reserved through the pool first.
func (w *Worker) Assign(item *models.WorkItem) error {
	select {
	case w.tasks <- item:
		return nil
	default:
		return fmt.Errorf("worker %d cannot accept job %s", w.id, item.JobID)
	}
}

// run is the main loop: wait for an assignment, execute it, repeat.
// A panic anywhere in job execution is treated as a worker crash.
func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.handleCrash(r)
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			// An assignment may have landed after the stop signal; it
			// must not be silently lost.
			select {
			case item := <-w.tasks:
				err := w.store.Transition(context.Background(), item.JobID, models.StateFailed, models.CrashErrorMessage)
				if err != nil && !errors.Is(err, storage.ErrAlreadyTerminal) {
					w.logger.Error("Failed to fail undelivered job %s: %v", item.JobID, err)
				}
			default:
			}
			w.markStopped()
			return
		case item := <-w.tasks:
			w.execute(item)
			if w.Status() == models.WorkerStatusStopping {
				w.markStopped()
				return
			}
		}
	}
}

// execute runs one work item through the evaluation routine and records
// its terminal outcome. Terminal transitions use a background context:
// they must land even when the worker itself is being torn down.
func (w *Worker) execute(item *models.WorkItem) {
	jobCtx, jobCancel := context.WithCancel(w.ctx)
	defer jobCancel()

	w.mu.Lock()
	w.reserved = false
	w.currentJob = &models.CurrentJob{JobID: item.JobID, QuizID: item.QuizID}
	w.jobCancel = jobCancel
	w.mu.Unlock()

	defer func() {
		r := recover()
		w.mu.Lock()
		w.currentJob = nil
		w.jobCancel = nil
		w.mu.Unlock()
		if r != nil {
			// The evaluation routine panicked. Fail the job here, while
			// we still know which one it was, then let the run loop's
			// recover mark the worker crashed.
			terr := w.store.Transition(context.Background(), item.JobID, models.StateFailed, models.CrashErrorMessage)
			if terr != nil && !errors.Is(terr, storage.ErrAlreadyTerminal) {
				w.logger.Error("Failed to fail job %s after panic: %v", item.JobID, terr)
			}
			panic(r)
		}
		if w.onIdle != nil {
			w.onIdle()
		}
	}()

	report := func(evaluated, total int, phase string) {
		if jobCtx.Err() != nil {
			return
		}
		err := w.store.UpdateProgress(context.Background(), item.JobID, evaluated, total, phase)
		if err != nil && !errors.Is(err, storage.ErrAlreadyTerminal) {
			w.logger.Warn("Failed to record progress for job %s: %v", item.JobID, err)
		}
	}

	w.logger.Info("Executing job %s (quiz %s)", item.JobID, item.QuizID)
	result, err := w.eval.Evaluate(jobCtx, item, report)

	bg := context.Background()
	switch {
	case err == nil:
		if terr := w.store.Transition(bg, item.JobID, models.StateCompleted, ""); terr != nil {
			if !errors.Is(terr, storage.ErrAlreadyTerminal) {
				w.logger.Error("Failed to complete job %s: %v", item.JobID, terr)
			}
		} else {
			w.mu.Lock()
			w.jobsCompleted++
			w.mu.Unlock()
			if result != nil {
				w.logger.Info("Job %s completed (%d/%d evaluated)", item.JobID, result.Evaluated, result.Total)
			} else {
				w.logger.Info("Job %s completed", item.JobID)
			}
		}
	case errors.Is(err, context.Canceled):
		// Administrative cancellation. The stop/kill path usually records
		// the cancelled transition before signalling us, in which case
		// this is an AlreadyTerminal no-op.
		if terr := w.store.Transition(bg, item.JobID, models.StateCancelled, ""); terr != nil &&
			!errors.Is(terr, storage.ErrAlreadyTerminal) {
			w.logger.Error("Failed to cancel job %s: %v", item.JobID, terr)
		}
		w.logger.Warn("Job %s cancelled", item.JobID)
	default:
		if terr := w.store.Transition(bg, item.JobID, models.StateFailed, err.Error()); terr != nil &&
			!errors.Is(terr, storage.ErrAlreadyTerminal) {
			w.logger.Error("Failed to record failure of job %s: %v", item.JobID, terr)
		}
		w.logger.Error("Job %s failed: %v", item.JobID, err)
	}
}

// CancelJob aborts the bound job without terminating the worker. No-op
// when the job is no longer bound here.
func (w *Worker) CancelJob(jobID string) {
	w.mu.Lock()
	cancel := w.jobCancel
	match := w.currentJob != nil && w.currentJob.JobID == jobID
	w.mu.Unlock()

	if match && cancel != nil {
		w.logger.Warn("Aborting job %s", jobID)
		cancel()
	}
}

// StopGraceful marks the worker stopping and lets any bound job run to
// completion. An idle worker terminates immediately.
func (w *Worker) StopGraceful() {
	w.mu.Lock()
	if w.status != models.WorkerStatusRunning {
		w.mu.Unlock()
		return
	}
	w.status = models.WorkerStatusStopping
	idle := w.currentJob == nil
	w.mu.Unlock()

	w.persistStatus(models.WorkerStatusStopping)
	w.logger.Info("Graceful stop requested")
	if idle {
		w.cancel()
	}
}

// StopImmediate cancels any bound job (recording the cancelled
// transition first, so late progress updates are discarded) and tears
// the execution context down without waiting.
func (w *Worker) StopImmediate() {
	w.mu.Lock()
	if w.status == models.WorkerStatusStopped {
		w.mu.Unlock()
		return
	}
	w.status = models.WorkerStatusStopping
	job := w.currentJob
	w.mu.Unlock()

	w.persistStatus(models.WorkerStatusStopping)
	if job != nil {
		err := w.store.Transition(context.Background(), job.JobID, models.StateCancelled, "")
		if err != nil && !errors.Is(err, storage.ErrAlreadyTerminal) {
			w.logger.Error("Failed to cancel job %s on immediate stop: %v", job.JobID, err)
		}
	}
	w.logger.Warn("Immediate stop requested")
	w.cancel()
}

// terminate tears the execution context down without touching the bound
// job. Used by the crash path, where the job has already been failed.
func (w *Worker) terminate() {
	w.cancel()
}

func (w *Worker) markStopped() {
	w.mu.Lock()
	w.status = models.WorkerStatusStopped
	w.mu.Unlock()
	// Stops the telemetry loop when the run loop exited on its own.
	w.cancel()
	w.persistStatus(models.WorkerStatusStopped)
	w.logger.Info("Worker stopped")
}

// handleCrash records a panic in the run loop: the bound job fails with
// the crash message and the worker is marked crashed for the monitor to
// reap and replace.
func (w *Worker) handleCrash(r interface{}) {
	w.mu.Lock()
	w.crashed = true
	w.status = models.WorkerStatusStopped
	job := w.currentJob
	w.currentJob = nil
	w.jobCancel = nil
	w.mu.Unlock()

	w.logger.Error("Worker crashed: %v", r)
	if job != nil {
		err := w.store.Transition(context.Background(), job.JobID, models.StateFailed, models.CrashErrorMessage)
		if err != nil && !errors.Is(err, storage.ErrAlreadyTerminal) {
			w.logger.Error("Failed to fail job %s after crash: %v", job.JobID, err)
		}
	}
	w.persistStatus(models.WorkerStatusStopped)
}

func (w *Worker) persistStatus(status string) {
	w.mu.RLock()
	completed := w.jobsCompleted
	w.mu.RUnlock()

	err := w.store.UpdateWorkerStatus(context.Background(), w.id, status, completed, time.Now())
	if err != nil {
		w.logger.Warn("Failed to persist worker status: %v", err)
	}
}

// telemetryLoop samples process CPU and memory on a fixed interval.
// Each sample doubles as the liveness heartbeat, so telemetry stays
// available while idle and staleness means the context is gone.
func (w *Worker) telemetryLoop() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		w.logger.Warn("Resource telemetry unavailable: %v", err)
		proc = nil
	}

	ticker := time.NewTicker(w.telemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			var cpu float64
			var mem float64
			if proc != nil {
				if v, err := proc.CPUPercent(); err == nil {
					cpu = v
				}
				if v, err := proc.MemoryPercent(); err == nil {
					mem = float64(v)
				}
			}
			w.mu.Lock()
			w.cpuPercent = cpu
			w.memPercent = mem
			w.lastSeen = time.Now()
			w.mu.Unlock()
		}
	}
}
