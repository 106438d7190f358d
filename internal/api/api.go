// Package api exposes the orchestrator's HTTP command surface: the
// endpoints the evaluation dashboard polls and drives.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/evalify/DescriptiveEval/internal/models"
	"github.com/evalify/DescriptiveEval/internal/scheduler"
	"github.com/evalify/DescriptiveEval/internal/storage"
	"github.com/evalify/DescriptiveEval/pkg/utils"
)

// Server hosts the orchestrator API.
type Server struct {
	orch   *scheduler.Orchestrator
	logger *utils.Logger
	engine *gin.Engine
	server *http.Server
}

// NewServer builds the router and binds it to addr.
func NewServer(orch *scheduler.Orchestrator, addr string, logger *utils.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		orch:   orch,
		logger: logger.WithComponent("api"),
		engine: gin.New(),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), s.cors())
	s.routes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)

	eval := s.engine.Group("/evaluation")
	{
		eval.POST("/evaluate", s.submitEvaluation)
		eval.GET("/status/:quizId", s.evaluationStatus)
	}

	workers := s.engine.Group("/workers")
	{
		workers.GET("/status", s.workersStatus)
		workers.POST("/jobs/stop/:quizId", s.stopJobs)
		workers.POST("/kill/:workerId", s.killWorker)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d in %v", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// health reports storage reachability.
func (s *Server) health(c *gin.Context) {
	if err := s.orch.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitEvaluation queues an evaluation job for a quiz.
func (s *Server) submitEvaluation(c *gin.Context) {
	var req models.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quiz_id is required"})
		return
	}

	item, err := s.orch.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateActiveJob) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "quiz is already being evaluated",
				"quiz_id": req.QuizID,
			})
			return
		}
		s.logger.Error("Failed to queue evaluation for quiz %s: %v", req.QuizID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue evaluation"})
		return
	}

	c.JSON(http.StatusAccepted, models.EvaluateResponse{
		Message: "Evaluation queued",
		JobID:   item.JobID,
		QuizID:  item.QuizID,
	})
}

// evaluationStatus returns live progress for a quiz, or 404 when the
// quiz was never submitted.
func (s *Server) evaluationStatus(c *gin.Context) {
	quizID := c.Param("quizId")

	item, err := s.orch.Reporter().JobStatus(c.Request.Context(), quizID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"quiz_id": quizID,
				"message": "No evaluation is running",
			})
			return
		}
		s.logger.Error("Failed to get status for quiz %s: %v", quizID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get evaluation status"})
		return
	}

	resp := gin.H{
		"quiz_id":    quizID,
		"job_id":     item.JobID,
		"job_status": item.State,
		"progress":   item.Progress,
	}
	if item.StartedAt != nil {
		resp["started_at"] = item.StartedAt
		elapsed := time.Since(*item.StartedAt).Seconds()
		if item.FinishedAt != nil {
			elapsed = item.FinishedAt.Sub(*item.StartedAt).Seconds()
		}
		resp["elapsed_seconds"] = elapsed
		// Remaining estimate from the observed per-response pace.
		if item.State == models.StateEvaluating && item.Progress.EvaluatedCount > 0 {
			perItem := elapsed / float64(item.Progress.EvaluatedCount)
			remaining := float64(item.Progress.TotalCount-item.Progress.EvaluatedCount) * perItem
			resp["remaining_seconds_estimate"] = remaining
		}
	}
	if item.ErrorMessage != "" {
		resp["error_message"] = item.ErrorMessage
	}

	c.JSON(http.StatusOK, resp)
}

// workersStatus returns the fleet view plus the queue summary.
func (s *Server) workersStatus(c *gin.Context) {
	summary, err := s.orch.Reporter().QueueSummary(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to build queue summary: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check worker status"})
		return
	}

	workers := s.orch.Reporter().WorkerStatus()

	c.JSON(http.StatusOK, gin.H{
		"workers":        workers,
		"active_workers": summary.ActiveWorkers,
		"total_workers":  len(workers),
		"queue_info": gin.H{
			"queued":    summary.Queued,
			"failed":    summary.Failed,
			"completed": summary.Completed,
			"cancelled": summary.Cancelled,
		},
		"jobs_summary": summary.Counts(),
	})
}

// stopJobs cancels the active evaluation for a quiz. Idempotent when the
// job is already terminal.
func (s *Server) stopJobs(c *gin.Context) {
	quizID := c.Param("quizId")

	item, err := s.orch.CancelQuiz(c.Request.Context(), quizID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"quiz_id": quizID,
				"message": "no evaluation found for quiz",
			})
			return
		}
		s.logger.Error("Failed to stop jobs for quiz %s: %v", quizID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Stopped all jobs for quiz " + quizID,
		"job":     item,
	})
}

// killWorker terminates a worker with {mode, spawn_replacement},
// returning the replacement identity when one was spawned.
func (s *Server) killWorker(c *gin.Context) {
	workerID, err := strconv.Atoi(c.Param("workerId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}

	req := models.KillWorkerRequest{Mode: models.KillModeImmediate}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	spawnReplacement := true
	if req.SpawnReplacement != nil {
		spawnReplacement = *req.SpawnReplacement
	}
	if req.Mode == "" {
		req.Mode = models.KillModeImmediate
	}

	replacement, err := s.orch.KillWorker(workerID, req.Mode, spawnReplacement)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrWorkerNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no worker found with id " + c.Param("workerId")})
		case errors.Is(err, scheduler.ErrInvalidKillMode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be graceful or immediate"})
		default:
			s.logger.Error("Failed to kill worker %d: %v", workerID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to kill worker"})
		}
		return
	}

	c.JSON(http.StatusOK, models.KillWorkerResponse{
		Message:           "Worker " + c.Param("workerId") + " termination requested",
		ReplacementWorker: replacement,
		Workers:           s.orch.Reporter().WorkerStatus(),
	})
}
