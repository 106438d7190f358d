package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/evalify/DescriptiveEval/internal/models"
)

func setupTestDB(t *testing.T) (*SQLiteStorage, func()) {
	tmpFile := filepath.Join(t.TempDir(), "test_orchestrator.db")

	storage, err := NewSQLiteStorage(tmpFile)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		storage.Close()
	}

	return storage, cleanup
}

func TestSubmitAndGetWorkItem(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	item := models.NewWorkItem("quiz-1", `{"response_count":5}`)
	item.Progress.TotalCount = 5

	if err := storage.SubmitWorkItem(ctx, item); err != nil {
		t.Fatalf("Failed to submit work item: %v", err)
	}

	retrieved, err := storage.GetWorkItem(ctx, item.JobID)
	if err != nil {
		t.Fatalf("Failed to get work item: %v", err)
	}

	if retrieved.QuizID != "quiz-1" {
		t.Errorf("Expected quiz ID quiz-1, got %s", retrieved.QuizID)
	}
	if retrieved.State != models.StateQueued {
		t.Errorf("Expected state queued, got %s", retrieved.State)
	}
	if retrieved.Progress.TotalCount != 5 {
		t.Errorf("Expected total count 5, got %d", retrieved.Progress.TotalCount)
	}
	if retrieved.AssignedWorkerID != nil {
		t.Error("Expected no assigned worker on a queued item")
	}
}

func TestGetWorkItemNotFound(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := storage.GetWorkItem(context.Background(), "no-such-job")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateActiveQuizRejected(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	first := models.NewWorkItem("quiz-1", "")
	if err := storage.SubmitWorkItem(ctx, first); err != nil {
		t.Fatalf("Failed to submit first item: %v", err)
	}

	// A second submission for the same quiz must be rejected while the
	// first is still queued.
	second := models.NewWorkItem("quiz-1", "")
	err := storage.SubmitWorkItem(ctx, second)
	if !errors.Is(err, ErrDuplicateActiveJob) {
		t.Fatalf("Expected ErrDuplicateActiveJob, got %v", err)
	}

	// Still rejected while evaluating.
	if _, err := storage.ClaimOldestQueued(ctx, 1); err != nil {
		t.Fatalf("Failed to claim item: %v", err)
	}
	err = storage.SubmitWorkItem(ctx, models.NewWorkItem("quiz-1", ""))
	if !errors.Is(err, ErrDuplicateActiveJob) {
		t.Fatalf("Expected ErrDuplicateActiveJob while evaluating, got %v", err)
	}

	// Allowed again once the first item is terminal.
	if err := storage.Transition(ctx, first.JobID, models.StateCompleted, ""); err != nil {
		t.Fatalf("Failed to complete first item: %v", err)
	}
	if err := storage.SubmitWorkItem(ctx, models.NewWorkItem("quiz-1", "")); err != nil {
		t.Errorf("Expected resubmission after terminal state to succeed, got %v", err)
	}
}

func TestDuplicateCheckIsPerQuiz(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if err := storage.SubmitWorkItem(ctx, models.NewWorkItem("quiz-1", "")); err != nil {
		t.Fatalf("Failed to submit quiz-1: %v", err)
	}
	if err := storage.SubmitWorkItem(ctx, models.NewWorkItem("quiz-2", "")); err != nil {
		t.Errorf("Expected submission for a different quiz to succeed, got %v", err)
	}
}

func TestClaimOldestQueuedFIFO(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	var jobIDs []string
	for i := 0; i < 3; i++ {
		item := models.NewWorkItem("quiz-"+string(rune('a'+i)), "")
		item.EnqueuedAt = base.Add(time.Duration(i) * time.Second)
		if err := storage.SubmitWorkItem(ctx, item); err != nil {
			t.Fatalf("Failed to submit item %d: %v", i, err)
		}
		jobIDs = append(jobIDs, item.JobID)
	}

	for i := 0; i < 3; i++ {
		claimed, err := storage.ClaimOldestQueued(ctx, i+1)
		if err != nil {
			t.Fatalf("Failed to claim item %d: %v", i, err)
		}
		if claimed == nil {
			t.Fatalf("Expected a claimable item at position %d", i)
		}
		if claimed.JobID != jobIDs[i] {
			t.Errorf("Claim %d: expected job %s, got %s", i, jobIDs[i], claimed.JobID)
		}
		if claimed.State != models.StateEvaluating {
			t.Errorf("Claim %d: expected state evaluating, got %s", i, claimed.State)
		}
		if claimed.AssignedWorkerID == nil || *claimed.AssignedWorkerID != i+1 {
			t.Errorf("Claim %d: expected assigned worker %d, got %v", i, i+1, claimed.AssignedWorkerID)
		}
		if claimed.StartedAt == nil {
			t.Errorf("Claim %d: expected started_at to be set", i)
		}
	}

	// Queue is now empty.
	claimed, err := storage.ClaimOldestQueued(ctx, 9)
	if err != nil {
		t.Fatalf("Claim on empty queue failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("Expected nil from empty queue, got job %s", claimed.JobID)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	item := models.NewWorkItem("quiz-1", "")
	if err := storage.SubmitWorkItem(ctx, item); err != nil {
		t.Fatalf("Failed to submit item: %v", err)
	}

	if err := storage.Transition(ctx, item.JobID, models.StateEvaluating, ""); err != nil {
		t.Fatalf("Failed queued -> evaluating: %v", err)
	}
	if err := storage.Transition(ctx, item.JobID, models.StateCompleted, ""); err != nil {
		t.Fatalf("Failed evaluating -> completed: %v", err)
	}

	retrieved, err := storage.GetWorkItem(ctx, item.JobID)
	if err != nil {
		t.Fatalf("Failed to get item: %v", err)
	}
	if retrieved.State != models.StateCompleted {
		t.Errorf("Expected state completed, got %s", retrieved.State)
	}
	if retrieved.FinishedAt == nil {
		t.Error("Expected finished_at to be set on a terminal item")
	}

	// Terminal items reject every further transition.
	err = storage.Transition(ctx, item.JobID, models.StateCancelled, "")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	item := models.NewWorkItem("quiz-1", "")
	if err := storage.SubmitWorkItem(ctx, item); err != nil {
		t.Fatalf("Failed to submit item: %v", err)
	}

	// queued -> completed skips evaluating.
	err := storage.Transition(ctx, item.JobID, models.StateCompleted, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition for queued -> completed, got %v", err)
	}

	// evaluating -> queued never re-queues.
	if err := storage.Transition(ctx, item.JobID, models.StateEvaluating, ""); err != nil {
		t.Fatalf("Failed queued -> evaluating: %v", err)
	}
	err = storage.Transition(ctx, item.JobID, models.StateQueued, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition for evaluating -> queued, got %v", err)
	}
}

func TestTransitionRecordsFailureMessage(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	item := models.NewWorkItem("quiz-1", "")
	if err := storage.SubmitWorkItem(ctx, item); err != nil {
		t.Fatalf("Failed to submit item: %v", err)
	}
	if _, err := storage.ClaimOldestQueued(ctx, 1); err != nil {
		t.Fatalf("Failed to claim item: %v", err)
	}

	if err := storage.Transition(ctx, item.JobID, models.StateFailed, "model timeout"); err != nil {
		t.Fatalf("Failed evaluating -> failed: %v", err)
	}

	retrieved, err := storage.GetWorkItem(ctx, item.JobID)
	if err != nil {
		t.Fatalf("Failed to get item: %v", err)
	}
	if retrieved.ErrorMessage != "model timeout" {
		t.Errorf("Expected error message to be recorded, got %q", retrieved.ErrorMessage)
	}
}

func TestUpdateProgressDiscardedAfterCancel(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	item := models.NewWorkItem("quiz-1", "")
	item.Progress.TotalCount = 10
	if err := storage.SubmitWorkItem(ctx, item); err != nil {
		t.Fatalf("Failed to submit item: %v", err)
	}
	if _, err := storage.ClaimOldestQueued(ctx, 1); err != nil {
		t.Fatalf("Failed to claim item: %v", err)
	}

	if err := storage.UpdateProgress(ctx, item.JobID, 3, 10, models.PhaseEvaluating); err != nil {
		t.Fatalf("Failed to update progress: %v", err)
	}

	if err := storage.Transition(ctx, item.JobID, models.StateCancelled, ""); err != nil {
		t.Fatalf("Failed to cancel item: %v", err)
	}

	// A late sample from the still-running evaluation must not land.
	err := storage.UpdateProgress(ctx, item.JobID, 4, 10, models.PhaseEvaluating)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("Expected ErrAlreadyTerminal for late progress, got %v", err)
	}

	retrieved, err := storage.GetWorkItem(ctx, item.JobID)
	if err != nil {
		t.Fatalf("Failed to get item: %v", err)
	}
	if retrieved.Progress.EvaluatedCount != 3 {
		t.Errorf("Expected evaluated count frozen at 3, got %d", retrieved.Progress.EvaluatedCount)
	}
	if retrieved.State != models.StateCancelled {
		t.Errorf("Expected state cancelled, got %s", retrieved.State)
	}
}

func TestUpdateProgressUnknownJob(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	err := storage.UpdateProgress(context.Background(), "no-such-job", 1, 2, models.PhaseEvaluating)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// One item stuck in evaluating, one queued, one completed.
	stuck := models.NewWorkItem("quiz-1", "")
	if err := storage.SubmitWorkItem(ctx, stuck); err != nil {
		t.Fatalf("Failed to submit item: %v", err)
	}
	if _, err := storage.ClaimOldestQueued(ctx, 1); err != nil {
		t.Fatalf("Failed to claim item: %v", err)
	}

	queued := models.NewWorkItem("quiz-2", "")
	if err := storage.SubmitWorkItem(ctx, queued); err != nil {
		t.Fatalf("Failed to submit item: %v", err)
	}

	done := models.NewWorkItem("quiz-3", "")
	if err := storage.SubmitWorkItem(ctx, done); err != nil {
		t.Fatalf("Failed to submit item: %v", err)
	}
	if err := storage.Transition(ctx, done.JobID, models.StateCancelled, ""); err != nil {
		t.Fatalf("Failed to cancel item: %v", err)
	}

	recovered, err := storage.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("Failed to recover orphans: %v", err)
	}
	if recovered != 1 {
		t.Errorf("Expected 1 recovered item, got %d", recovered)
	}

	retrieved, err := storage.GetWorkItem(ctx, stuck.JobID)
	if err != nil {
		t.Fatalf("Failed to get item: %v", err)
	}
	if retrieved.State != models.StateFailed {
		t.Errorf("Expected orphan to be failed, got %s", retrieved.State)
	}
	if retrieved.ErrorMessage != models.CrashErrorMessage {
		t.Errorf("Expected crash error message, got %q", retrieved.ErrorMessage)
	}

	// The queued item is untouched and still claimable.
	claimed, err := storage.ClaimOldestQueued(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to claim after recovery: %v", err)
	}
	if claimed == nil || claimed.JobID != queued.JobID {
		t.Errorf("Expected queued item to survive recovery")
	}
}

func TestGetActiveAndLatestWorkItemByQuiz(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	first := models.NewWorkItem("quiz-1", "")
	first.EnqueuedAt = time.Now().Add(-time.Minute)
	if err := storage.SubmitWorkItem(ctx, first); err != nil {
		t.Fatalf("Failed to submit first item: %v", err)
	}

	active, err := storage.GetActiveWorkItemByQuiz(ctx, "quiz-1")
	if err != nil {
		t.Fatalf("Failed to get active item: %v", err)
	}
	if active.JobID != first.JobID {
		t.Errorf("Expected active item %s, got %s", first.JobID, active.JobID)
	}

	if err := storage.Transition(ctx, first.JobID, models.StateCancelled, ""); err != nil {
		t.Fatalf("Failed to cancel item: %v", err)
	}

	// No active item anymore, but the latest lookup still finds it.
	_, err = storage.GetActiveWorkItemByQuiz(ctx, "quiz-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for active lookup, got %v", err)
	}

	second := models.NewWorkItem("quiz-1", "")
	if err := storage.SubmitWorkItem(ctx, second); err != nil {
		t.Fatalf("Failed to submit second item: %v", err)
	}

	latest, err := storage.GetLatestWorkItemByQuiz(ctx, "quiz-1")
	if err != nil {
		t.Fatalf("Failed to get latest item: %v", err)
	}
	if latest.JobID != second.JobID {
		t.Errorf("Expected latest item %s, got %s", second.JobID, latest.JobID)
	}
}

func TestListWorkItemsQueuedOrder(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	var jobIDs []string
	for i := 0; i < 3; i++ {
		item := models.NewWorkItem("quiz-"+string(rune('a'+i)), "")
		item.EnqueuedAt = base.Add(time.Duration(i) * time.Second)
		if err := storage.SubmitWorkItem(ctx, item); err != nil {
			t.Fatalf("Failed to submit item %d: %v", i, err)
		}
		jobIDs = append(jobIDs, item.JobID)
	}

	items, err := storage.ListWorkItems(ctx, models.StateQueued, 10)
	if err != nil {
		t.Fatalf("Failed to list queued items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Expected 3 queued items, got %d", len(items))
	}
	for i, item := range items {
		if item.JobID != jobIDs[i] {
			t.Errorf("Position %d: expected job %s, got %s", i, jobIDs[i], item.JobID)
		}
	}
}

func TestRegisterAndUpdateWorker(t *testing.T) {
	storage, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	rec := &models.WorkerRecord{WorkerID: 1, ProcessName: "host.123.1"}
	if err := storage.RegisterWorker(ctx, rec); err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}
	if rec.Status != models.WorkerStatusRunning {
		t.Errorf("Expected status running, got %s", rec.Status)
	}

	if err := storage.UpdateWorkerStatus(ctx, 1, models.WorkerStatusStopped, 7, time.Now()); err != nil {
		t.Fatalf("Failed to update worker status: %v", err)
	}

	workers, err := storage.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("Failed to list workers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("Expected 1 worker, got %d", len(workers))
	}
	if workers[0].Status != models.WorkerStatusStopped {
		t.Errorf("Expected status stopped, got %s", workers[0].Status)
	}
	if workers[0].JobsCompleted != 7 {
		t.Errorf("Expected 7 jobs completed, got %d", workers[0].JobsCompleted)
	}
}
