package models

// WorkItem states
const (
	StateQueued     = "queued"
	StateEvaluating = "evaluating"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// Worker statuses
const (
	WorkerStatusRunning  = "running"
	WorkerStatusStopping = "stopping"
	WorkerStatusStopped  = "stopped"
)

// Kill modes for administrative worker termination
const (
	KillModeGraceful  = "graceful"
	KillModeImmediate = "immediate"
)

// Progress phases reported by the evaluation routine
const (
	PhaseValidation = "validation"
	PhaseEvaluating = "evaluating"
	PhaseSaving     = "saving"
)

// CrashErrorMessage is recorded on a work item whose worker disappeared
// without a clean stop.
const CrashErrorMessage = "worker terminated unexpectedly"

// Default configuration values
const (
	DefaultWorkerCount       = 4
	DefaultDispatchInterval  = 2  // seconds
	DefaultTelemetryInterval = 5  // seconds
	DefaultHeartbeatTimeout  = 30 // seconds - treat a worker as crashed after this
	DefaultMonitorInterval   = 10 // seconds
)
