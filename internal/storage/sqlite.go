package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evalify/DescriptiveEval/internal/models"
)

// SQLiteStorage implements the Storage interface using SQLite.
//
// The connection pool is pinned to a single connection so that every
// read-check-write sequence inside a transaction is serialized by the
// store itself; this is what makes the dedup check and the claim step
// atomic without caller-side locking.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the orchestrator database.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema initializes the database schema. The partial unique index
// on work_items backs the one-active-item-per-quiz invariant at the
// schema level as a second line of defense behind the transactional
// check in SubmitWorkItem.
func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		job_id TEXT PRIMARY KEY,
		quiz_id TEXT NOT NULL,
		payload TEXT,
		state TEXT NOT NULL DEFAULT 'queued',
		assigned_worker_id INTEGER,
		enqueued_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		error_message TEXT,
		evaluated_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		phase TEXT
	);

	CREATE TABLE IF NOT EXISTS workers (
		worker_id INTEGER PRIMARY KEY,
		process_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		jobs_completed INTEGER NOT NULL DEFAULT 0,
		last_seen TIMESTAMP,
		registered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_work_items_state ON work_items(state);
	CREATE INDEX IF NOT EXISTS idx_work_items_quiz_id ON work_items(quiz_id);
	CREATE INDEX IF NOT EXISTS idx_work_items_enqueued_at ON work_items(enqueued_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_work_items_active_quiz
		ON work_items(quiz_id) WHERE state IN ('queued', 'evaluating');
	`

	_, err := s.db.Exec(schema)
	return err
}

const workItemColumns = `job_id, quiz_id, payload, state, assigned_worker_id,
	enqueued_at, started_at, finished_at, error_message,
	evaluated_count, total_count, phase`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanWorkItem reads one work item row, mapping nullable columns.
func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	item := &models.WorkItem{}
	var (
		payload, errMsg, phase sql.NullString
		workerID               sql.NullInt64
		startedAt, finishedAt  sql.NullTime
	)

	err := row.Scan(
		&item.JobID, &item.QuizID, &payload, &item.State, &workerID,
		&item.EnqueuedAt, &startedAt, &finishedAt, &errMsg,
		&item.Progress.EvaluatedCount, &item.Progress.TotalCount, &phase,
	)
	if err != nil {
		return nil, err
	}

	item.Payload = payload.String
	item.ErrorMessage = errMsg.String
	item.Progress.Phase = phase.String
	if workerID.Valid {
		id := int(workerID.Int64)
		item.AssignedWorkerID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time
		item.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		item.FinishedAt = &t
	}

	return item, nil
}

// SubmitWorkItem inserts a queued work item unless the quiz already has
// a non-terminal one.
func (s *SQLiteStorage) SubmitWorkItem(ctx context.Context, item *models.WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT job_id FROM work_items WHERE quiz_id = ? AND state IN (?, ?) LIMIT 1`,
		item.QuizID, models.StateQueued, models.StateEvaluating,
	).Scan(&existing)
	if err == nil {
		return fmt.Errorf("quiz %s: %w", item.QuizID, ErrDuplicateActiveJob)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check active items for quiz %s: %w", item.QuizID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_items (job_id, quiz_id, payload, state, enqueued_at, evaluated_count, total_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.JobID, item.QuizID, item.Payload, models.StateQueued,
		item.EnqueuedAt, item.Progress.EvaluatedCount, item.Progress.TotalCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}

	return tx.Commit()
}

// GetWorkItem retrieves a work item by job id.
func (s *SQLiteStorage) GetWorkItem(ctx context.Context, jobID string) (*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE job_id = ?`

	item, err := scanWorkItem(s.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}

	return item, nil
}

// GetActiveWorkItemByQuiz retrieves the single non-terminal work item
// for a quiz, if any.
func (s *SQLiteStorage) GetActiveWorkItemByQuiz(ctx context.Context, quizID string) (*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items
	          WHERE quiz_id = ? AND state IN (?, ?) LIMIT 1`

	item, err := scanWorkItem(s.db.QueryRowContext(ctx, query, quizID, models.StateQueued, models.StateEvaluating))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("quiz %s: %w", quizID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active work item: %w", err)
	}

	return item, nil
}

// GetLatestWorkItemByQuiz retrieves the most recently enqueued work item
// for a quiz regardless of state.
func (s *SQLiteStorage) GetLatestWorkItemByQuiz(ctx context.Context, quizID string) (*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items
	          WHERE quiz_id = ? ORDER BY enqueued_at DESC LIMIT 1`

	item, err := scanWorkItem(s.db.QueryRowContext(ctx, query, quizID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("quiz %s: %w", quizID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest work item: %w", err)
	}

	return item, nil
}

// ListWorkItems retrieves work items in a given state. Queued items come
// back in FIFO order; terminal ones newest first.
func (s *SQLiteStorage) ListWorkItems(ctx context.Context, state string, limit int) ([]*models.WorkItem, error) {
	order := "DESC"
	if state == models.StateQueued {
		order = "ASC"
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items
	          WHERE state = ? ORDER BY enqueued_at ` + order + ` LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, state, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// ClaimOldestQueued atomically binds the oldest queued work item to a
// worker and transitions it to evaluating. Returns (nil, nil) when the
// queue is empty. The select and the update share one transaction so two
// idle workers can never claim the same item.
func (s *SQLiteStorage) ClaimOldestQueued(ctx context.Context, workerID int) (*models.WorkItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + workItemColumns + ` FROM work_items
	          WHERE state = ? ORDER BY enqueued_at ASC LIMIT 1`

	item, err := scanWorkItem(tx.QueryRowContext(ctx, query, models.StateQueued))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queued work item: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE work_items SET state = ?, assigned_worker_id = ?, started_at = ? WHERE job_id = ?`,
		models.StateEvaluating, workerID, now, item.JobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item %s: %w", item.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	item.State = models.StateEvaluating
	item.AssignedWorkerID = &workerID
	item.StartedAt = &now
	return item, nil
}

// Transition applies a state change if and only if it is a legal edge.
// Terminal items report ErrAlreadyTerminal; everything else illegal
// reports ErrIllegalTransition. errorMessage is recorded only on the
// failed state.
func (s *SQLiteStorage) Transition(ctx context.Context, jobID, newState, errorMessage string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM work_items WHERE job_id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read work item state: %w", err)
	}

	if models.IsTerminal(current) {
		return fmt.Errorf("job %s is %s: %w", jobID, current, ErrAlreadyTerminal)
	}
	if !models.CanTransition(current, newState) {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, current, newState, ErrIllegalTransition)
	}

	now := time.Now()
	switch {
	case newState == models.StateEvaluating:
		_, err = tx.ExecContext(ctx,
			`UPDATE work_items SET state = ?, started_at = ? WHERE job_id = ?`,
			newState, now, jobID)
	case newState == models.StateFailed:
		_, err = tx.ExecContext(ctx,
			`UPDATE work_items SET state = ?, finished_at = ?, error_message = ? WHERE job_id = ?`,
			newState, now, errorMessage, jobID)
	case models.IsTerminal(newState):
		_, err = tx.ExecContext(ctx,
			`UPDATE work_items SET state = ?, finished_at = ? WHERE job_id = ?`,
			newState, now, jobID)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE work_items SET state = ? WHERE job_id = ?`, newState, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to transition job %s to %s: %w", jobID, newState, err)
	}

	return tx.Commit()
}

// UpdateProgress records an evaluation progress sample. Updates against
// items that are no longer evaluating are discarded and reported as
// ErrAlreadyTerminal: cancellation wins over late progress.
func (s *SQLiteStorage) UpdateProgress(ctx context.Context, jobID string, evaluated, total int, phase string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET evaluated_count = ?, total_count = ?, phase = ?
		 WHERE job_id = ? AND state = ?`,
		evaluated, total, phase, jobID, models.StateEvaluating,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", jobID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check progress update for job %s: %w", jobID, err)
	}
	if n == 0 {
		var state string
		err := s.db.QueryRowContext(ctx, `SELECT state FROM work_items WHERE job_id = ?`, jobID).Scan(&state)
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read work item state: %w", err)
		}
		return fmt.Errorf("job %s is %s: %w", jobID, state, ErrAlreadyTerminal)
	}

	return nil
}

// RecoverOrphans fails any work item left in evaluating by a previous
// run. Called once at startup, before workers spawn.
func (s *SQLiteStorage) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET state = ?, finished_at = ?, error_message = ? WHERE state = ?`,
		models.StateFailed, time.Now(), models.CrashErrorMessage, models.StateEvaluating,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned work items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered work items: %w", err)
	}
	return int(n), nil
}

// RegisterWorker inserts or refreshes a worker history row.
func (s *SQLiteStorage) RegisterWorker(ctx context.Context, rec *models.WorkerRecord) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (worker_id, process_name, status, jobs_completed, last_seen, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET process_name = ?, status = ?, last_seen = ?`,
		rec.WorkerID, rec.ProcessName, models.WorkerStatusRunning, rec.JobsCompleted, now, now,
		rec.ProcessName, models.WorkerStatusRunning, now,
	)
	if err != nil {
		return fmt.Errorf("failed to register worker %d: %w", rec.WorkerID, err)
	}

	rec.Status = models.WorkerStatusRunning
	rec.LastSeen = now
	rec.RegisteredAt = now
	return nil
}

// UpdateWorkerStatus updates the persisted status of a worker slot.
func (s *SQLiteStorage) UpdateWorkerStatus(ctx context.Context, workerID int, status string, jobsCompleted int64, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, jobs_completed = ?, last_seen = ? WHERE worker_id = ?`,
		status, jobsCompleted, lastSeen, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker %d status: %w", workerID, err)
	}
	return nil
}

// ListWorkers retrieves all worker history rows, newest first.
func (s *SQLiteStorage) ListWorkers(ctx context.Context) ([]*models.WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, process_name, status, jobs_completed, last_seen, registered_at
		 FROM workers ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.WorkerRecord
	for rows.Next() {
		rec := &models.WorkerRecord{}
		var lastSeen sql.NullTime
		if err := rows.Scan(&rec.WorkerID, &rec.ProcessName, &rec.Status,
			&rec.JobsCompleted, &lastSeen, &rec.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		rec.LastSeen = lastSeen.Time
		workers = append(workers, rec)
	}

	return workers, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
