// Package scheduler implements the evaluation orchestrator core: a
// durable work item queue, a bounded worker fleet, an assignment loop,
// and the read-side status reporter the dashboard polls.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evalify/DescriptiveEval/internal/evaluator"
	"github.com/evalify/DescriptiveEval/internal/models"
	"github.com/evalify/DescriptiveEval/internal/storage"
	"github.com/evalify/DescriptiveEval/pkg/utils"
)

// Config wires the orchestrator. Zero durations fall back to the
// package defaults.
type Config struct {
	Storage            storage.Storage
	Evaluator          evaluator.Evaluator
	WorkerCount        int
	DispatchInterval   time.Duration
	TelemetryInterval  time.Duration
	HeartbeatTimeout   time.Duration
	MonitorInterval    time.Duration
	AutoReplaceCrashed bool
	Logger             *utils.Logger
}

// Orchestrator coordinates the work item store, the dispatcher, and the
// worker pool, and exposes the administrative command surface.
type Orchestrator struct {
	store      storage.Storage
	pool       *Pool
	dispatcher *Dispatcher
	reporter   *Reporter
	logger     *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator builds the component graph without starting it.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = models.DefaultWorkerCount
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = models.DefaultDispatchInterval * time.Second
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = models.DefaultTelemetryInterval * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = models.DefaultHeartbeatTimeout * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = models.DefaultMonitorInterval * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewLogger("scheduler", utils.INFO)
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := NewPool(cfg.Storage, cfg.Evaluator, PoolConfig{
		Size:               cfg.WorkerCount,
		TelemetryInterval:  cfg.TelemetryInterval,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		MonitorInterval:    cfg.MonitorInterval,
		AutoReplaceCrashed: cfg.AutoReplaceCrashed,
	}, cfg.Logger)

	dispatcher := NewDispatcher(cfg.Storage, pool, cfg.DispatchInterval, cfg.Logger)
	pool.SetIdleNotifier(dispatcher.Wake)

	return &Orchestrator{
		store:      cfg.Storage,
		pool:       pool,
		dispatcher: dispatcher,
		reporter:   NewReporter(cfg.Storage, pool),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start recovers orphaned items from any previous run, spawns the
// fleet, and begins dispatching.
func (o *Orchestrator) Start() error {
	o.logger.Info("Starting orchestrator")

	recovered, err := o.store.RecoverOrphans(o.ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned work items: %w", err)
	}
	if recovered > 0 {
		o.logger.Warn("Failed %d orphaned work items from a previous run", recovered)
	}

	o.pool.Start(o.ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.dispatcher.Run(o.ctx)
	}()

	// Pick up any queued items persisted before this run.
	o.dispatcher.Wake()

	o.logger.Info("Orchestrator started")
	return nil
}

// Stop shuts the orchestrator down, aborting in-flight evaluations.
func (o *Orchestrator) Stop() {
	o.logger.Info("Stopping orchestrator")
	o.cancel()
	o.pool.Stop()
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

// Submit enqueues an evaluation for a quiz. Fails with
// storage.ErrDuplicateActiveJob while the quiz has a non-terminal item.
func (o *Orchestrator) Submit(ctx context.Context, req models.EvaluateRequest) (*models.WorkItem, error) {
	payload, err := json.Marshal(map[string]int{"response_count": req.ResponseCount})
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission payload: %w", err)
	}

	item := models.NewWorkItem(req.QuizID, string(payload))
	item.Progress.TotalCount = req.ResponseCount

	if err := o.store.SubmitWorkItem(ctx, item); err != nil {
		return nil, err
	}

	o.logger.Info("Queued evaluation job %s for quiz %s", item.JobID, req.QuizID)
	o.dispatcher.Wake()
	return item, nil
}

// CancelQuiz cancels the active work item for a quiz. Idempotent: when
// the latest item is already terminal it is returned unchanged, and
// storage.ErrNotFound means the quiz was never submitted.
func (o *Orchestrator) CancelQuiz(ctx context.Context, quizID string) (*models.WorkItem, error) {
	item, err := o.store.GetActiveWorkItemByQuiz(ctx, quizID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return o.store.GetLatestWorkItemByQuiz(ctx, quizID)
		}
		return nil, err
	}

	// Record the cancellation first so late progress updates are
	// discarded, then abort the running evaluation if one is bound.
	terr := o.store.Transition(ctx, item.JobID, models.StateCancelled, "")
	if terr != nil && !errors.Is(terr, storage.ErrAlreadyTerminal) {
		return nil, terr
	}

	if item.State == models.StateEvaluating && item.AssignedWorkerID != nil {
		o.pool.AbortJob(*item.AssignedWorkerID, item.JobID)
	}

	o.logger.Warn("Cancelled job %s for quiz %s", item.JobID, quizID)
	return o.store.GetWorkItem(ctx, item.JobID)
}

// KillWorker terminates a worker by slot id, optionally spawning a
// replacement whose identity is returned. Returns as soon as the stop
// is recorded; the exit is observed through later status calls.
func (o *Orchestrator) KillWorker(workerID int, mode string, spawnReplacement bool) (*models.WorkerInfo, error) {
	if mode == "" {
		mode = models.KillModeImmediate
	}
	return o.pool.Kill(workerID, mode, spawnReplacement)
}

// Reporter exposes the read-side status component.
func (o *Orchestrator) Reporter() *Reporter {
	return o.reporter
}

// Ping checks the durable store.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}
