package models

// EvaluateRequest is the payload for submitting a quiz evaluation.
type EvaluateRequest struct {
	QuizID        string `json:"quiz_id" binding:"required"`
	ResponseCount int    `json:"response_count,omitempty"`
}

// EvaluateResponse is returned when an evaluation has been queued.
type EvaluateResponse struct {
	Message string `json:"message"`
	JobID   string `json:"job_id"`
	QuizID  string `json:"quiz_id"`
}

// KillWorkerRequest selects how a worker is terminated and whether a
// replacement is spawned. SpawnReplacement defaults to true when omitted.
type KillWorkerRequest struct {
	Mode             string `json:"mode,omitempty"`
	SpawnReplacement *bool  `json:"spawn_replacement,omitempty"`
}

// KillWorkerResponse reports the outcome of a kill, including the
// replacement worker's identity when one was spawned.
type KillWorkerResponse struct {
	Message           string       `json:"message"`
	ReplacementWorker *WorkerInfo  `json:"replacement_worker,omitempty"`
	Workers           []WorkerInfo `json:"workers"`
}

// QueueSummary partitions work items by state. Derived on demand, never
// a source of truth.
type QueueSummary struct {
	Queued        []*WorkItem `json:"queued"`
	Failed        []*WorkItem `json:"failed"`
	Completed     []*WorkItem `json:"completed"`
	Cancelled     []*WorkItem `json:"cancelled"`
	ActiveWorkers int         `json:"active_workers"`
}

// Counts returns the per-partition sizes for summary display.
func (q *QueueSummary) Counts() map[string]int {
	return map[string]int{
		StateQueued:    len(q.Queued),
		StateFailed:    len(q.Failed),
		StateCompleted: len(q.Completed),
		StateCancelled: len(q.Cancelled),
	}
}
