package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evalify/DescriptiveEval/internal/evaluator"
	"github.com/evalify/DescriptiveEval/internal/models"
	"github.com/evalify/DescriptiveEval/internal/storage"
	"github.com/evalify/DescriptiveEval/pkg/utils"
)

// ErrWorkerNotFound is returned for kill requests against an unknown or
// already reaped worker.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrInvalidKillMode is returned when a kill request carries a mode
// other than graceful or immediate.
var ErrInvalidKillMode = errors.New("invalid kill mode")

// PoolConfig sizes the fleet and its health checks.
type PoolConfig struct {
	Size               int
	TelemetryInterval  time.Duration
	HeartbeatTimeout   time.Duration
	MonitorInterval    time.Duration
	AutoReplaceCrashed bool
}

// Pool owns the worker fleet: spawn, kill, replace, and liveness
// monitoring. Workers are never handed out directly; callers reserve a
// slot through AcquireIdle or act through Kill/AbortJob.
type Pool struct {
	store  storage.Storage
	eval   evaluator.Evaluator
	logger *utils.Logger
	cfg    PoolConfig

	notifyIdle func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[int]*Worker
	nextSlot int
	seq      int
}

// NewPool creates a pool; Start spawns the fleet.
func NewPool(store storage.Storage, eval evaluator.Evaluator, cfg PoolConfig, logger *utils.Logger) *Pool {
	return &Pool{
		store:   store,
		eval:    eval,
		logger:  logger.WithComponent("pool"),
		cfg:     cfg,
		workers: make(map[int]*Worker),
	}
}

// SetIdleNotifier registers the callback fired whenever a worker
// finishes a job and re-enters the idle set.
func (p *Pool) SetIdleNotifier(fn func()) {
	p.notifyIdle = fn
}

// Start spawns the configured number of workers and begins liveness
// monitoring.
func (p *Pool) Start(parent context.Context) {
	p.ctx, p.cancel = context.WithCancel(parent)

	p.mu.Lock()
	for i := 0; i < p.cfg.Size; i++ {
		w := p.spawnLocked()
		w.start()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitorLoop()

	p.logger.Info("Pool started with %d workers", p.cfg.Size)
}

// Stop tears down the fleet and waits for every run loop to exit.
func (p *Pool) Stop() {
	p.cancel()

	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		<-w.Done()
	}
	p.wg.Wait()
	p.logger.Info("Pool stopped")
}

// spawnLocked creates, registers, and records a new worker. Caller holds
// p.mu. The returned worker still needs start().
func (p *Pool) spawnLocked() *Worker {
	p.nextSlot++
	p.seq++
	id := p.nextSlot
	handle := newHandle(p.seq)

	w := newWorker(p.ctx, id, handle, p.store, p.eval, p.cfg.TelemetryInterval, p.notifyIdle, p.logger)
	p.workers[id] = w

	rec := &models.WorkerRecord{WorkerID: id, ProcessName: handle.Name}
	if err := p.store.RegisterWorker(context.Background(), rec); err != nil {
		p.logger.Warn("Failed to persist worker %d registration: %v", id, err)
	}

	p.logger.Info("Spawned worker %d (%s)", id, handle.Name)
	return w
}

// Spawn adds one running worker to the fleet.
func (p *Pool) Spawn() *Worker {
	p.mu.Lock()
	w := p.spawnLocked()
	p.mu.Unlock()
	w.start()
	return w
}

// AcquireIdle reserves an idle worker for assignment, lowest slot first.
// Returns nil when no worker is available.
func (p *Pool) AcquireIdle() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		w := p.workers[id]
		if w.idle() {
			w.setReserved(true)
			return w
		}
	}
	return nil
}

// Release returns a reserved worker to the idle set without assigning.
func (p *Pool) Release(w *Worker) {
	w.setReserved(false)
}

// AbortJob cancels the named job on a worker without terminating the
// worker itself.
func (p *Pool) AbortJob(workerID int, jobID string) {
	p.mu.Lock()
	w := p.workers[workerID]
	p.mu.Unlock()

	if w != nil {
		w.CancelJob(jobID)
	}
}

// Kill applies the requested stop mode to a worker. When
// spawnReplacement is true a replacement is spawned immediately and its
// identity returned, but it is held out of the idle set until the old
// worker has fully stopped, so the quiz-per-worker accounting never
// overlaps. Kill itself returns as soon as the stop is recorded.
func (p *Pool) Kill(workerID int, mode string, spawnReplacement bool) (*models.WorkerInfo, error) {
	switch mode {
	case models.KillModeGraceful, models.KillModeImmediate:
	default:
		return nil, fmt.Errorf("%q: %w", mode, ErrInvalidKillMode)
	}

	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker %d: %w", workerID, ErrWorkerNotFound)
	}

	var replacement *Worker
	if spawnReplacement {
		replacement = p.spawnLocked()
		// Held out of the idle set until the old worker is gone.
		replacement.setReserved(true)
	}
	p.mu.Unlock()

	if replacement != nil {
		replacement.start()
	}

	p.logger.Warn("Killing worker %d (mode=%s, replacement=%v)", workerID, mode, spawnReplacement)

	if mode == models.KillModeGraceful {
		w.StopGraceful()
	} else {
		w.StopImmediate()
	}

	p.wg.Add(1)
	go p.reapAndReplace(w, replacement)

	if replacement != nil {
		info := replacement.Info()
		return &info, nil
	}
	return nil, nil
}

// reapAndReplace waits for a stopping worker to exit, drops it from the
// fleet, and then releases its replacement into the idle set, if any.
func (p *Pool) reapAndReplace(old *Worker, replacement *Worker) {
	defer p.wg.Done()

	select {
	case <-old.Done():
	case <-p.ctx.Done():
		return
	}

	p.mu.Lock()
	delete(p.workers, old.ID())
	p.mu.Unlock()
	p.logger.Info("Reaped worker %d (%s)", old.ID(), old.ProcessName())

	if replacement != nil {
		replacement.setReserved(false)
		p.logger.Info("Replacement worker %d (%s) active", replacement.ID(), replacement.ProcessName())
		if p.notifyIdle != nil {
			p.notifyIdle()
		}
	}
}

// Snapshot returns the current fleet view, sorted by slot.
func (p *Pool) Snapshot() []models.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]models.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, w.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	return infos
}

// ActiveCount returns the number of workers able to take work.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, w := range p.workers {
		if w.Status() == models.WorkerStatusRunning {
			count++
		}
	}
	return count
}

// Size returns the total number of workers currently in the fleet.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// monitorLoop periodically sweeps the fleet for crashed or unreachable
// workers.
func (p *Pool) monitorLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkFleetHealth()
		}
	}
}

// checkFleetHealth detects execution contexts that disappeared without a
// clean stop: a panicked run loop, or a telemetry heartbeat gone stale.
// The bound job (if the crash path has not already failed it) fails with
// the crash message; the fleet is restored when auto-replace is on. A
// job must never be silently lost.
func (p *Pool) checkFleetHealth() {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		crashed := w.Crashed()
		stale := w.Status() == models.WorkerStatusRunning && time.Since(w.LastSeen()) > p.cfg.HeartbeatTimeout
		if !crashed && !stale {
			continue
		}

		p.logger.Error("Worker %d (%s) terminated unexpectedly (crashed=%v, last heartbeat %v ago)",
			w.ID(), w.ProcessName(), crashed, time.Since(w.LastSeen()))

		if job, ok := w.CurrentJob(); ok {
			err := p.store.Transition(context.Background(), job.JobID, models.StateFailed, models.CrashErrorMessage)
			if err != nil && !errors.Is(err, storage.ErrAlreadyTerminal) {
				p.logger.Error("Failed to fail job %s of crashed worker %d: %v", job.JobID, w.ID(), err)
			}
		}

		w.terminate()
		if err := p.store.UpdateWorkerStatus(context.Background(), w.ID(),
			models.WorkerStatusStopped, w.Info().JobsCompleted, time.Now()); err != nil {
			p.logger.Warn("Failed to persist crashed worker %d status: %v", w.ID(), err)
		}

		p.mu.Lock()
		delete(p.workers, w.ID())
		p.mu.Unlock()

		if p.cfg.AutoReplaceCrashed {
			nw := p.Spawn()
			p.logger.Warn("Auto-replaced crashed worker %d with worker %d (%s)", w.ID(), nw.ID(), nw.ProcessName())
			if p.notifyIdle != nil {
				p.notifyIdle()
			}
		}
	}
}
