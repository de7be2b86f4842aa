package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/regentlabs/regent/internal/model"
)

// CreateExecution inserts a new job execution and returns it.
func (db *DB) CreateExecution(ctx context.Context, jobID string, attempt int, scheduledTime time.Time) (model.JobExecution, error) {
	exec := model.JobExecution{
		ID:            uuid.New(),
		JobID:         jobID,
		Status:        model.ExecutionPending,
		Attempt:       attempt,
		ScheduledTime: scheduledTime,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO job_executions (id, job_id, status, attempt, scheduled_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.JobID, string(exec.Status), exec.Attempt, exec.ScheduledTime, exec.CreatedAt,
	)
	if err != nil {
		return model.JobExecution{}, fmt.Errorf("storage: create execution: %w", err)
	}
	return exec, nil
}

// GetExecution retrieves one execution by ID.
func (db *DB) GetExecution(ctx context.Context, id uuid.UUID) (model.JobExecution, error) {
	var e model.JobExecution
	err := db.pool.QueryRow(ctx,
		`SELECT id, job_id, status, attempt, scheduled_time, started_at, finished_at, last_error, created_at
		 FROM job_executions WHERE id = $1`, id,
	).Scan(&e.ID, &e.JobID, &e.Status, &e.Attempt, &e.ScheduledTime,
		&e.StartedAt, &e.FinishedAt, &e.LastError, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JobExecution{}, fmt.Errorf("%w: execution %s", ErrNotFound, id)
		}
		return model.JobExecution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return e, nil
}

// AcquireExecution transitions pending → running, claiming the execution for
// a dispatcher. A racing dispatcher gets ErrConcurrentModification.
func (db *DB) AcquireExecution(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE job_executions SET status = 'running', started_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: acquire execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s not pending", ErrConcurrentModification, id)
	}
	return nil
}

// CompleteExecution transitions running → succeeded or failed.
func (db *DB) CompleteExecution(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, lastError *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE job_executions SET status = $1, finished_at = $2, last_error = $3
		 WHERE id = $4 AND status = 'running'`,
		string(status), time.Now().UTC(), lastError, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s not running", ErrConcurrentModification, id)
	}
	return nil
}

// RequeueExecution transitions failed → pending for the next attempt with a
// new scheduled time. The attempt counter advances here so the execution's
// attempt field always names the attempt about to run.
func (db *DB) RequeueExecution(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE job_executions SET status = 'pending', attempt = attempt + 1, scheduled_time = $1,
		        started_at = NULL, finished_at = NULL
		 WHERE id = $2 AND status = 'failed'`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("storage: requeue execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s not failed", ErrConcurrentModification, id)
	}
	return nil
}

// ListDuePending returns pending executions whose scheduled time has arrived,
// oldest first. These are retry re-queues waiting out their backoff.
func (db *DB) ListDuePending(ctx context.Context, now time.Time, limit int) ([]model.JobExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, status, attempt, scheduled_time, started_at, finished_at, last_error, created_at
		 FROM job_executions
		 WHERE status = 'pending' AND scheduled_time <= $1
		 ORDER BY scheduled_time ASC
		 LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list due pending: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// HasActiveExecution reports whether the job has a pending or running
// execution. Used to enforce at-most-one-in-flight per job.
func (db *DB) HasActiveExecution(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM job_executions
		     WHERE job_id = $1 AND status IN ('pending', 'running')
		 )`, jobID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has active execution: %w", err)
	}
	return exists, nil
}

// ListExecutionsByJob returns recent executions for a job, newest first.
func (db *DB) ListExecutionsByJob(ctx context.Context, jobID string, limit int) ([]model.JobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, status, attempt, scheduled_time, started_at, finished_at, last_error, created_at
		 FROM job_executions WHERE job_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func scanExecutions(rows pgx.Rows) ([]model.JobExecution, error) {
	var execs []model.JobExecution
	for rows.Next() {
		var e model.JobExecution
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &e.Attempt, &e.ScheduledTime,
			&e.StartedAt, &e.FinishedAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}
