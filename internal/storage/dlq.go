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

// DeadLetterExecution moves a failed execution to the DLQ in one
// transaction: the execution becomes dead_lettered and a DLQ entry is
// written. There is no path back except explicit replay.
func (db *DB) DeadLetterExecution(ctx context.Context, execID uuid.UUID, jobID, lastError string) (model.DLQEntry, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DLQEntry{}, fmt.Errorf("storage: begin dead-letter tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE job_executions SET status = 'dead_lettered', finished_at = COALESCE(finished_at, $1), last_error = $2
		 WHERE id = $3 AND status = 'failed'`,
		time.Now().UTC(), lastError, execID,
	)
	if err != nil {
		return model.DLQEntry{}, fmt.Errorf("storage: dead-letter execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.DLQEntry{}, fmt.Errorf("%w: execution %s not failed", ErrConcurrentModification, execID)
	}

	entry := model.DLQEntry{
		ID:          uuid.New(),
		ExecutionID: execID,
		JobID:       jobID,
		LastError:   lastError,
		EnqueuedAt:  time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dlq_entries (id, execution_id, job_id, last_error, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.ExecutionID, entry.JobID, entry.LastError, entry.EnqueuedAt,
	); err != nil {
		return model.DLQEntry{}, fmt.Errorf("storage: insert dlq entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.DLQEntry{}, fmt.Errorf("storage: commit dead-letter: %w", err)
	}
	return entry, nil
}

// ListDLQ returns all dead-letter entries, oldest first.
func (db *DB) ListDLQ(ctx context.Context) ([]model.DLQEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, execution_id, job_id, last_error, enqueued_at
		 FROM dlq_entries ORDER BY enqueued_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.JobID, &e.LastError, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dlq entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplayDLQEntry removes a DLQ entry and creates a fresh pending execution
// with the attempt count reset, in one transaction. Replay does not
// guarantee the original failure cause is resolved.
func (db *DB) ReplayDLQEntry(ctx context.Context, entryID uuid.UUID, scheduledTime time.Time) (model.JobExecution, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.JobExecution{}, fmt.Errorf("storage: begin replay tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var jobID string
	err = tx.QueryRow(ctx,
		`DELETE FROM dlq_entries WHERE id = $1 RETURNING job_id`, entryID,
	).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JobExecution{}, fmt.Errorf("%w: dlq entry %s", ErrNotFound, entryID)
		}
		return model.JobExecution{}, fmt.Errorf("storage: delete dlq entry: %w", err)
	}

	exec := model.JobExecution{
		ID:            uuid.New(),
		JobID:         jobID,
		Status:        model.ExecutionPending,
		Attempt:       1,
		ScheduledTime: scheduledTime,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO job_executions (id, job_id, status, attempt, scheduled_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.JobID, string(exec.Status), exec.Attempt, exec.ScheduledTime, exec.CreatedAt,
	); err != nil {
		return model.JobExecution{}, fmt.Errorf("storage: insert replay execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.JobExecution{}, fmt.Errorf("storage: commit replay: %w", err)
	}
	return exec, nil
}

// PurgeDLQ deletes every dead-letter entry and returns the count removed.
func (db *DB) PurgeDLQ(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM dlq_entries`)
	if err != nil {
		return 0, fmt.Errorf("storage: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}
