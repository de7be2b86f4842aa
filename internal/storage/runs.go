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

// CreateRun inserts a new run in status queued and returns it.
func (db *DB) CreateRun(ctx context.Context, workflow string, trigger model.TriggerSource, input map[string]any) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:             uuid.New(),
		Workflow:       workflow,
		Trigger:        trigger,
		Status:         model.RunStatusQueued,
		Input:          input,
		StartedAt:      now,
		LastProgressAt: now,
		CreatedAt:      now,
	}
	if run.Input == nil {
		run.Input = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow, trigger_source, status, step_cursor, input, started_at, last_progress_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Workflow, string(run.Trigger), string(run.Status), run.StepCursor,
		run.Input, run.StartedAt, run.LastProgressAt, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, workflow, trigger_source, status, step_cursor, input, fail_reason,
		        started_at, completed_at, last_progress_at, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Workflow, &run.Trigger, &run.Status, &run.StepCursor, &run.Input,
		&run.FailReason, &run.StartedAt, &run.CompletedAt, &run.LastProgressAt, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// TransitionRun moves a run from one status to another. The transition is
// conditional on the current status so racing actors cannot both succeed.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus, failReason *string) error {
	var completedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, fail_reason = COALESCE($2, fail_reason), completed_at = COALESCE($3, completed_at)
		 WHERE id = $4 AND status = $5`,
		string(to), failReason, completedAt, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("storage: transition run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s not in %s", ErrConcurrentModification, id, from)
	}
	return nil
}

// AdvanceRunCursor bumps the step cursor of a running run.
func (db *DB) AdvanceRunCursor(ctx context.Context, id uuid.UUID, cursor int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET step_cursor = $1, last_progress_at = $2
		 WHERE id = $3 AND status = 'running'`,
		cursor, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: advance run cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s not running", ErrConcurrentModification, id)
	}
	return nil
}

// CancelRun transitions any non-terminal run to cancelled. Already-terminal
// runs are left untouched and reported via ErrConcurrentModification.
func (db *DB) CancelRun(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'cancelled', fail_reason = $1, completed_at = $2
		 WHERE id = $3 AND status IN ('queued', 'running', 'waiting_on_ticket')`,
		reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("storage: cancel run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s already terminal", ErrConcurrentModification, id)
	}
	return nil
}

// ListRunsByStatus returns runs filtered by status (all when empty), newest first.
func (db *DB) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit, offset int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, workflow, trigger_source, status, step_cursor, input, fail_reason,
	                 started_at, completed_at, last_progress_at, created_at
	          FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Trigger, &r.Status, &r.StepCursor, &r.Input,
			&r.FailReason, &r.StartedAt, &r.CompletedAt, &r.LastProgressAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListStalledRuns returns running runs with no step progress since cutoff.
// The stall sweeper fails these with reason "timeout".
func (db *DB) ListStalledRuns(ctx context.Context, cutoff time.Time) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workflow, trigger_source, status, step_cursor, input, fail_reason,
		        started_at, completed_at, last_progress_at, created_at
		 FROM runs WHERE status = 'running' AND last_progress_at < $1`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stalled runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Trigger, &r.Status, &r.StepCursor, &r.Input,
			&r.FailReason, &r.StartedAt, &r.CompletedAt, &r.LastProgressAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan stalled run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
