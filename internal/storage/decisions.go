package storage

import (
	"context"
	"fmt"

	"github.com/regentlabs/regent/internal/model"
)

// InsertGateDecision persists one immutable governance decision record.
func (db *DB) InsertGateDecision(ctx context.Context, d model.GateDecision) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO gate_decisions (id, subject, subject_type, level_reached, verdict, levels, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.Subject, d.SubjectType, d.LevelReached, string(d.Verdict), d.Levels, d.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert gate decision: %w", err)
	}
	return nil
}

// ListGateDecisions returns decisions newest first.
func (db *DB) ListGateDecisions(ctx context.Context, limit, offset int) ([]model.GateDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, subject, subject_type, level_reached, verdict, levels, evaluated_at
		 FROM gate_decisions
		 ORDER BY evaluated_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list gate decisions: %w", err)
	}
	defer rows.Close()

	var decisions []model.GateDecision
	for rows.Next() {
		var d model.GateDecision
		if err := rows.Scan(&d.ID, &d.Subject, &d.SubjectType, &d.LevelReached,
			&d.Verdict, &d.Levels, &d.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan gate decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
