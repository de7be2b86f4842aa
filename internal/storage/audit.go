package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/internal/model"
)

// AppendAuditEntry writes one append-only autonomy audit record.
func (db *DB) AppendAuditEntry(ctx context.Context, outcome model.AuditOutcome, detail string, runID *uuid.UUID, metadata map[string]any) (model.AuditEntry, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry := model.AuditEntry{
		ID:         uuid.New(),
		Outcome:    outcome,
		Detail:     detail,
		RunID:      runID,
		Metadata:   metadata,
		RecordedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_log (id, outcome, detail, run_id, metadata, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, string(entry.Outcome), entry.Detail, entry.RunID, entry.Metadata, entry.RecordedAt,
	)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("storage: append audit entry: %w", err)
	}
	return entry, nil
}

// ListAuditEntries returns audit records newest first.
func (db *DB) ListAuditEntries(ctx context.Context, limit, offset int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, outcome, detail, run_id, metadata, recorded_at
		 FROM audit_log
		 ORDER BY recorded_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.Outcome, &e.Detail, &e.RunID, &e.Metadata, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
