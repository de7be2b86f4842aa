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

// AppendStepEvent records one step outcome for a run. Sequence numbers are
// allocated under a run-row lock so the per-run sequence is gapless and
// strictly increasing even with concurrent writers; the run's
// last_progress_at advances in the same transaction.
func (db *DB) AppendStepEvent(ctx context.Context, runID uuid.UUID, stepName string, outcome model.StepOutcome, payload map[string]any) (model.StepEvent, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	var event model.StepEvent
	err := WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append event tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		var status string
		err = tx.QueryRow(ctx,
			`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID,
		).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: run %s", ErrNotFound, runID)
			}
			return fmt.Errorf("storage: lock run row: %w", err)
		}

		var nextSeq int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM step_events WHERE run_id = $1`, runID,
		).Scan(&nextSeq); err != nil {
			return fmt.Errorf("storage: next sequence: %w", err)
		}

		now := time.Now().UTC()
		event = model.StepEvent{
			ID:          uuid.New(),
			RunID:       runID,
			SequenceNum: nextSeq,
			StepName:    stepName,
			Outcome:     outcome,
			Payload:     payload,
			OccurredAt:  now,
			CreatedAt:   now,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO step_events (id, run_id, sequence_num, step_name, outcome, payload, occurred_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.ID, event.RunID, event.SequenceNum, event.StepName,
			string(event.Outcome), event.Payload, event.OccurredAt, event.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert step event: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE runs SET last_progress_at = $1 WHERE id = $2`, now, runID,
		); err != nil {
			return fmt.Errorf("storage: touch run progress: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return model.StepEvent{}, err
	}
	return event, nil
}

// GetEventsByRun returns a run's complete step-event history in sequence order.
func (db *DB) GetEventsByRun(ctx context.Context, runID uuid.UUID) ([]model.StepEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, sequence_num, step_name, outcome, payload, occurred_at, created_at
		 FROM step_events WHERE run_id = $1
		 ORDER BY sequence_num ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events by run: %w", err)
	}
	defer rows.Close()

	var events []model.StepEvent
	for rows.Next() {
		var e model.StepEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.SequenceNum, &e.StepName,
			&e.Outcome, &e.Payload, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
