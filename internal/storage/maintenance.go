package storage

import (
	"context"
	"fmt"
	"time"
)

// PruneTerminalRuns deletes terminal runs completed before cutoff. Step
// events go with them via ON DELETE CASCADE.
func (db *DB) PruneTerminalRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM runs
		 WHERE status IN ('succeeded', 'failed', 'cancelled') AND completed_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneGateDecisions deletes decision records evaluated before cutoff.
func (db *DB) PruneGateDecisions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM gate_decisions WHERE evaluated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune gate decisions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneAuditEntries deletes audit log entries recorded before cutoff.
func (db *DB) PruneAuditEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM audit_log WHERE recorded_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunStats counts runs created since the given time, grouped by status.
func (db *DB) RunStats(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM runs WHERE created_at >= $1 GROUP BY status`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: run stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("storage: scan run stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// GateStats counts decisions evaluated since the given time, grouped by verdict.
func (db *DB) GateStats(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT verdict, COUNT(*) FROM gate_decisions WHERE evaluated_at >= $1 GROUP BY verdict`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: gate stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var verdict string
		var count int64
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, fmt.Errorf("storage: scan gate stats: %w", err)
		}
		stats[verdict] = count
	}
	return stats, rows.Err()
}
