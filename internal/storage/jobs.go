package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/regentlabs/regent/internal/model"
)

// ErrDuplicateJob is returned when registering a job whose ID already exists.
var ErrDuplicateJob = errors.New("storage: duplicate job id")

// InsertJob persists a new job definition. Duplicate IDs are rejected.
func (db *DB) InsertJob(ctx context.Context, def model.JobDefinition) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO job_definitions (id, schedule, handler, max_attempts, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		def.ID, def.Schedule, def.Handler, def.MaxAttempts, def.Enabled, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicateJob, def.ID)
		}
		return fmt.Errorf("storage: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job definition by ID.
func (db *DB) GetJob(ctx context.Context, id string) (model.JobDefinition, error) {
	var def model.JobDefinition
	err := db.pool.QueryRow(ctx,
		`SELECT id, schedule, handler, max_attempts, enabled, created_at, updated_at
		 FROM job_definitions WHERE id = $1`, id,
	).Scan(&def.ID, &def.Schedule, &def.Handler, &def.MaxAttempts, &def.Enabled, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JobDefinition{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return model.JobDefinition{}, fmt.Errorf("storage: get job: %w", err)
	}
	return def, nil
}

// ListJobs returns all job definitions ordered by ID.
func (db *DB) ListJobs(ctx context.Context) ([]model.JobDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, schedule, handler, max_attempts, enabled, created_at, updated_at
		 FROM job_definitions ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var defs []model.JobDefinition
	for rows.Next() {
		var def model.JobDefinition
		if err := rows.Scan(&def.ID, &def.Schedule, &def.Handler, &def.MaxAttempts,
			&def.Enabled, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SetJobEnabled flips a job's enabled flag. Definitions are never deleted.
func (db *DB) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE job_definitions SET enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: set job enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return nil
}
