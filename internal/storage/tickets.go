package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/regentlabs/regent/internal/model"
)

// ErrPendingTicketExists is returned when raising a ticket for a run that
// already has one pending. Enforced by a partial unique index.
var ErrPendingTicketExists = errors.New("storage: run already has a pending ticket")

// CreateTicket inserts a new pending ticket. For run-bound tickets the
// database rejects a second pending ticket on the same run.
func (db *DB) CreateTicket(ctx context.Context, runID *uuid.UUID, stepName string, tier model.RiskTier, question string, escalation bool) (model.Ticket, error) {
	ticket := model.Ticket{
		ID:         uuid.New(),
		RunID:      runID,
		StepName:   stepName,
		RiskTier:   tier,
		Status:     model.TicketPending,
		Question:   question,
		Escalation: escalation,
		RaisedAt:   time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tickets (id, run_id, step_name, risk_tier, status, question, escalation, raised_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ticket.ID, ticket.RunID, ticket.StepName, string(ticket.RiskTier),
		string(ticket.Status), ticket.Question, ticket.Escalation, ticket.RaisedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return model.Ticket{}, fmt.Errorf("%w: run %s", ErrPendingTicketExists, runID)
		}
		return model.Ticket{}, fmt.Errorf("storage: create ticket: %w", err)
	}
	return ticket, nil
}

// GetTicket retrieves a ticket by ID.
func (db *DB) GetTicket(ctx context.Context, id uuid.UUID) (model.Ticket, error) {
	var t model.Ticket
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_name, risk_tier, status, question, escalation, decision, decided_by, raised_at, decided_at
		 FROM tickets WHERE id = $1`, id,
	).Scan(&t.ID, &t.RunID, &t.StepName, &t.RiskTier, &t.Status, &t.Question,
		&t.Escalation, &t.Decision, &t.DecidedBy, &t.RaisedAt, &t.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, id)
		}
		return model.Ticket{}, fmt.Errorf("storage: get ticket: %w", err)
	}
	return t, nil
}

// ListTicketsByStatus returns tickets filtered by status (all when empty),
// oldest pending first so operators work the queue in arrival order.
func (db *DB) ListTicketsByStatus(ctx context.Context, status model.TicketStatus, limit, offset int) ([]model.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, run_id, step_name, risk_tier, status, question, escalation, decision, decided_by, raised_at, decided_at
	          FROM tickets`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY raised_at ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var t model.Ticket
		if err := rows.Scan(&t.ID, &t.RunID, &t.StepName, &t.RiskTier, &t.Status, &t.Question,
			&t.Escalation, &t.Decision, &t.DecidedBy, &t.RaisedAt, &t.DecidedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// ResolveTicket records a decision on a pending ticket. The transition is
// conditional on status = 'pending': the second of two racing deciders gets
// ErrConcurrentModification and the first decision stands.
func (db *DB) ResolveTicket(ctx context.Context, id uuid.UUID, status model.TicketStatus, decidedBy string, decision map[string]any) (model.Ticket, error) {
	if status != model.TicketApproved && status != model.TicketRejected {
		return model.Ticket{}, fmt.Errorf("storage: resolve ticket: invalid target status %q", status)
	}
	if decision == nil {
		decision = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE tickets SET status = $1, decided_by = $2, decision = $3, decided_at = $4
		 WHERE id = $5 AND status = 'pending'`,
		string(status), decidedBy, decision, time.Now().UTC(), id,
	)
	if err != nil {
		return model.Ticket{}, fmt.Errorf("storage: resolve ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := db.GetTicket(ctx, id); errors.Is(getErr, ErrNotFound) {
			return model.Ticket{}, getErr
		}
		return model.Ticket{}, fmt.Errorf("%w: ticket %s already decided", ErrConcurrentModification, id)
	}
	return db.GetTicket(ctx, id)
}

// ExpireStaleTickets marks pending tickets raised before cutoff as expired
// and returns them so the caller can fail their runs.
func (db *DB) ExpireStaleTickets(ctx context.Context, cutoff time.Time) ([]model.Ticket, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE tickets SET status = 'expired', decided_at = $1
		 WHERE status = 'pending' AND raised_at < $2
		 RETURNING id, run_id, step_name, risk_tier, status, question, escalation, decision, decided_by, raised_at, decided_at`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: expire stale tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var t model.Ticket
		if err := rows.Scan(&t.ID, &t.RunID, &t.StepName, &t.RiskTier, &t.Status, &t.Question,
			&t.Escalation, &t.Decision, &t.DecidedBy, &t.RaisedAt, &t.DecidedAt); err != nil {
			return nil, fmt.Errorf("storage: scan expired ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}
