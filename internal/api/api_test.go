package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/evalify/DescriptiveEval/internal/evaluator"
	"github.com/evalify/DescriptiveEval/internal/models"
	"github.com/evalify/DescriptiveEval/internal/scheduler"
	"github.com/evalify/DescriptiveEval/internal/storage"
	"github.com/evalify/DescriptiveEval/pkg/utils"
)

// newTestServer builds a server backed by a running orchestrator on a
// temp database. stepDelay paces the simulated evaluation.
func newTestServer(t *testing.T, workers int, stepDelay time.Duration) *Server {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test_api.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	orch := scheduler.NewOrchestrator(scheduler.Config{
		Storage:          store,
		Evaluator:        evaluator.NewSim(stepDelay),
		WorkerCount:      workers,
		DispatchInterval: 20 * time.Millisecond,
		Logger:           utils.NewLogger("test", utils.ERROR),
	})
	if err := orch.Start(); err != nil {
		store.Close()
		t.Fatalf("Failed to start orchestrator: %v", err)
	}
	t.Cleanup(func() {
		orch.Stop()
		store.Close()
	})

	return NewServer(orch, "127.0.0.1:0", utils.NewLogger("test", utils.ERROR))
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, 1, time.Millisecond)

	rec, body := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestSubmitAndStatusLifecycle(t *testing.T) {
	s := newTestServer(t, 1, time.Millisecond)

	rec, body := doRequest(t, s, http.MethodPost, "/evaluation/evaluate",
		models.EvaluateRequest{QuizID: "quiz-1", ResponseCount: 3})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %v", rec.Code, body)
	}
	if body["job_id"] == "" || body["quiz_id"] != "quiz-1" {
		t.Errorf("Unexpected submission response: %v", body)
	}

	deadline := time.Now().Add(5 * time.Second)
	var status map[string]interface{}
	for time.Now().Before(deadline) {
		rec, status = doRequest(t, s, http.MethodGet, "/evaluation/status/quiz-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %v", rec.Code, status)
		}
		if status["job_status"] == models.StateCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status["job_status"] != models.StateCompleted {
		t.Fatalf("Job never completed: %v", status)
	}

	progress, ok := status["progress"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected progress object, got %v", status["progress"])
	}
	if progress["evaluated_count"] != float64(3) || progress["total_count"] != float64(3) {
		t.Errorf("Expected progress 3/3, got %v", progress)
	}
	if status["started_at"] == nil || status["elapsed_seconds"] == nil {
		t.Errorf("Expected timing fields on a finished job: %v", status)
	}
}

func TestSubmitRequiresQuizID(t *testing.T) {
	s := newTestServer(t, 1, time.Millisecond)

	rec, _ := doRequest(t, s, http.MethodPost, "/evaluation/evaluate", map[string]int{"response_count": 3})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestSubmitDuplicateConflict(t *testing.T) {
	s := newTestServer(t, 1, 30*time.Millisecond)

	rec, _ := doRequest(t, s, http.MethodPost, "/evaluation/evaluate",
		models.EvaluateRequest{QuizID: "quiz-1", ResponseCount: 200})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}

	rec, body := doRequest(t, s, http.MethodPost, "/evaluation/evaluate",
		models.EvaluateRequest{QuizID: "quiz-1", ResponseCount: 200})
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %v", rec.Code, body)
	}
	if body["quiz_id"] != "quiz-1" {
		t.Errorf("Expected quiz_id in conflict response, got %v", body)
	}
}

func TestStatusUnknownQuiz(t *testing.T) {
	s := newTestServer(t, 1, time.Millisecond)

	rec, body := doRequest(t, s, http.MethodGet, "/evaluation/status/never-submitted", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
	if body["message"] != "No evaluation is running" {
		t.Errorf("Unexpected 404 body: %v", body)
	}
}

func TestWorkersStatus(t *testing.T) {
	s := newTestServer(t, 2, time.Millisecond)

	rec, body := doRequest(t, s, http.MethodGet, "/workers/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	if body["total_workers"] != float64(2) {
		t.Errorf("Expected 2 total workers, got %v", body["total_workers"])
	}
	workers, ok := body["workers"].([]interface{})
	if !ok || len(workers) != 2 {
		t.Fatalf("Expected 2 workers in fleet view, got %v", body["workers"])
	}
	if _, ok := body["queue_info"].(map[string]interface{}); !ok {
		t.Errorf("Expected queue_info object, got %v", body["queue_info"])
	}
	if _, ok := body["jobs_summary"].(map[string]interface{}); !ok {
		t.Errorf("Expected jobs_summary object, got %v", body["jobs_summary"])
	}
}

func TestStopJobs(t *testing.T) {
	s := newTestServer(t, 1, 30*time.Millisecond)

	rec, _ := doRequest(t, s, http.MethodPost, "/evaluation/evaluate",
		models.EvaluateRequest{QuizID: "quiz-1", ResponseCount: 200})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}

	rec, body := doRequest(t, s, http.MethodPost, "/workers/jobs/stop/quiz-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}
	job, ok := body["job"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected job object, got %v", body["job"])
	}
	if job["state"] != models.StateCancelled {
		t.Errorf("Expected cancelled state, got %v", job["state"])
	}

	// Stopping again is idempotent.
	rec, body = doRequest(t, s, http.MethodPost, "/workers/jobs/stop/quiz-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on repeat stop, got %d: %v", rec.Code, body)
	}
}

func TestStopJobsUnknownQuiz(t *testing.T) {
	s := newTestServer(t, 1, time.Millisecond)

	rec, _ := doRequest(t, s, http.MethodPost, "/workers/jobs/stop/never-submitted", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestKillWorkerDefaultsToImmediateWithReplacement(t *testing.T) {
	s := newTestServer(t, 1, time.Millisecond)

	rec, body := doRequest(t, s, http.MethodPost, "/workers/kill/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}
	replacement, ok := body["replacement_worker"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected replacement worker in response, got %v", body)
	}
	if replacement["worker_id"] == float64(1) {
		t.Errorf("Expected replacement to use a fresh slot, got %v", replacement["worker_id"])
	}
}

func TestKillWorkerWithoutReplacement(t *testing.T) {
	s := newTestServer(t, 2, time.Millisecond)

	noReplace := false
	rec, body := doRequest(t, s, http.MethodPost, "/workers/kill/2",
		models.KillWorkerRequest{Mode: models.KillModeGraceful, SpawnReplacement: &noReplace})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}
	if _, ok := body["replacement_worker"]; ok {
		t.Errorf("Expected no replacement worker, got %v", body["replacement_worker"])
	}
}

func TestKillWorkerValidation(t *testing.T) {
	s := newTestServer(t, 1, time.Millisecond)

	rec, _ := doRequest(t, s, http.MethodPost, "/workers/kill/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown worker, got %d", rec.Code)
	}

	rec, _ = doRequest(t, s, http.MethodPost, "/workers/kill/1",
		models.KillWorkerRequest{Mode: "violent"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid mode, got %d", rec.Code)
	}

	rec, _ = doRequest(t, s, http.MethodPost, "/workers/kill/not-a-number", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-numeric worker id, got %d", rec.Code)
	}
}
