package models

import "time"

// ResourceSnapshot holds the most recent resource sample for a worker's
// execution context.
type ResourceSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// CurrentJob identifies the work item bound to a worker, if any.
type CurrentJob struct {
	JobID  string `json:"job_id"`
	QuizID string `json:"quiz_id"`
}

// WorkerInfo is the external view of one execution slot, as returned by
// fleet status queries. It is a snapshot, never live state.
type WorkerInfo struct {
	WorkerID      int              `json:"worker_id"`
	ProcessName   string           `json:"process_name"`
	Status        string           `json:"status"`
	CurrentJob    *CurrentJob      `json:"current_job,omitempty"`
	Resources     ResourceSnapshot `json:"resources"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	JobsCompleted int64            `json:"jobs_completed"`
	LastSeen      time.Time        `json:"last_seen"`
}

// WorkerRecord is the persisted history row for a worker slot.
type WorkerRecord struct {
	WorkerID      int       `json:"worker_id" db:"worker_id"`
	ProcessName   string    `json:"process_name" db:"process_name"`
	Status        string    `json:"status" db:"status"`
	JobsCompleted int64     `json:"jobs_completed" db:"jobs_completed"`
	LastSeen      time.Time `json:"last_seen" db:"last_seen"`
	RegisteredAt  time.Time `json:"registered_at" db:"registered_at"`
}
