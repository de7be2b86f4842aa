// Package ops provides the built-in handlers behind the default job set:
// heartbeats, operator-facing digests, and retention pruning. Handlers that
// need domain collaborators the embedder supplies (planners, billing,
// capability inventories) are not defined here; their default jobs load only
// once the embedder registers a handler for them.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/regentlabs/regent/internal/autonomy"
	"github.com/regentlabs/regent/internal/breaker"
	"github.com/regentlabs/regent/internal/model"
	"github.com/regentlabs/regent/internal/scheduler"
)

// Store is the persistence surface the built-in handlers need.
type Store interface {
	Ping(ctx context.Context) error
	ListTicketsByStatus(ctx context.Context, status model.TicketStatus, limit, offset int) ([]model.Ticket, error)
	ListDLQ(ctx context.Context) ([]model.DLQEntry, error)
	ListStalledRuns(ctx context.Context, cutoff time.Time) ([]model.Run, error)
	RunStats(ctx context.Context, since time.Time) (map[string]int64, error)
	GateStats(ctx context.Context, since time.Time) (map[string]int64, error)
	PruneTerminalRuns(ctx context.Context, cutoff time.Time) (int64, error)
	PruneGateDecisions(ctx context.Context, cutoff time.Time) (int64, error)
	PruneAuditEntries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config bounds retention and escalation ages.
type Config struct {
	// RunRetention prunes terminal runs older than this.
	RunRetention time.Duration
	// DecisionRetention prunes gate decisions older than this.
	DecisionRetention time.Duration
	// AuditRetention prunes audit entries older than this.
	AuditRetention time.Duration
	// StaleTicketAge marks a pending ticket for escalation.
	StaleTicketAge time.Duration
	// StalledRunAge is the no-progress window for the stale run report.
	StalledRunAge time.Duration
}

// DefaultConfig keeps runs 30 days, decisions 90, audit entries 14.
func DefaultConfig() Config {
	return Config{
		RunRetention:      30 * 24 * time.Hour,
		DecisionRetention: 90 * 24 * time.Hour,
		AuditRetention:    14 * 24 * time.Hour,
		StaleTicketAge:    4 * time.Hour,
		StalledRunAge:     30 * time.Minute,
	}
}

// Handlers owns the built-in job implementations.
type Handlers struct {
	store    Store
	loop     *autonomy.Loop
	breakers *breaker.Registry
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
}

// New builds the handler set. The loop may be nil when autonomy is not wired.
func New(store Store, loop *autonomy.Loop, breakers *breaker.Registry, cfg Config, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:    store,
		loop:     loop,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a clock for tests.
func (h *Handlers) WithClock(clock func() time.Time) *Handlers {
	h.clock = clock
	return h
}

// Register binds every built-in handler onto the scheduler's registry.
func (h *Handlers) Register(s *scheduler.Scheduler) {
	s.RegisterHandler("health.heartbeat", h.Heartbeat)
	s.RegisterHandler("tickets.reminder", h.TicketReminder)
	s.RegisterHandler("tickets.escalate_stale", h.EscalateStaleTickets)
	s.RegisterHandler("reports.dlq_digest", h.DLQDigest)
	s.RegisterHandler("reports.breaker_health", h.BreakerHealth)
	s.RegisterHandler("reports.queue_depth", h.QueueDepth)
	s.RegisterHandler("reports.stale_runs", h.StaleRunReport)
	s.RegisterHandler("reports.governance_summary", h.GovernanceSummary)
	s.RegisterHandler("maintenance.audit_rollup", h.AuditRollup)
	s.RegisterHandler("maintenance.run_prune", h.RunPrune)
	s.RegisterHandler("maintenance.decision_prune", h.DecisionPrune)
}

// Heartbeat verifies the backing store is reachable.
func (h *Handlers) Heartbeat(ctx context.Context, _ model.JobDefinition) error {
	if err := h.store.Ping(ctx); err != nil {
		return model.Transient(fmt.Errorf("heartbeat: %w", err))
	}
	h.logger.Debug("heartbeat ok")
	return nil
}

// TicketReminder logs a summary of pending tickets so operators notice
// decisions waiting on them.
func (h *Handlers) TicketReminder(ctx context.Context, _ model.JobDefinition) error {
	tickets, err := h.store.ListTicketsByStatus(ctx, model.TicketPending, 100, 0)
	if err != nil {
		return model.Transient(err)
	}
	if len(tickets) == 0 {
		return nil
	}
	oldest := tickets[0].RaisedAt
	for _, t := range tickets {
		if t.RaisedAt.Before(oldest) {
			oldest = t.RaisedAt
		}
	}
	h.logger.Info("pending tickets awaiting decision",
		"count", len(tickets),
		"oldest_age", h.clock().Sub(oldest).Round(time.Second),
	)
	return nil
}

// EscalateStaleTickets flags pending tickets older than the escalation age.
func (h *Handlers) EscalateStaleTickets(ctx context.Context, _ model.JobDefinition) error {
	tickets, err := h.store.ListTicketsByStatus(ctx, model.TicketPending, 100, 0)
	if err != nil {
		return model.Transient(err)
	}
	cutoff := h.clock().Add(-h.cfg.StaleTicketAge)
	for _, t := range tickets {
		if t.RaisedAt.Before(cutoff) {
			h.logger.Warn("pending ticket needs escalation",
				"ticket_id", t.ID,
				"risk_tier", t.RiskTier,
				"question", t.Question,
				"age", h.clock().Sub(t.RaisedAt).Round(time.Minute),
			)
		}
	}
	return nil
}

// DLQDigest summarizes dead-lettered executions per job.
func (h *Handlers) DLQDigest(ctx context.Context, _ model.JobDefinition) error {
	entries, err := h.store.ListDLQ(ctx)
	if err != nil {
		return model.Transient(err)
	}
	if len(entries) == 0 {
		h.logger.Info("dlq digest: empty")
		return nil
	}
	perJob := make(map[string]int)
	for _, e := range entries {
		perJob[e.JobID]++
	}
	for jobID, count := range perJob {
		h.logger.Warn("dlq digest", "job_id", jobID, "dead_lettered", count)
	}
	return nil
}

// BreakerHealth reports breakers that are not closed.
func (h *Handlers) BreakerHealth(_ context.Context, _ model.JobDefinition) error {
	for _, snap := range h.breakers.Snapshots() {
		if snap.State == breaker.StateClosed {
			continue
		}
		h.logger.Warn("breaker not closed",
			"key", snap.Key,
			"state", snap.State,
			"failures", snap.FailureCount,
			"samples", snap.WindowSamples,
		)
	}
	return nil
}

// QueueDepth snapshots the autonomy loop's health and queue backlog.
func (h *Handlers) QueueDepth(ctx context.Context, _ model.JobDefinition) error {
	if h.loop == nil {
		return nil
	}
	state := h.loop.Status(ctx)
	h.logger.Info("autonomy snapshot",
		"status", state.Status,
		"queue_depth", state.QueueDepth,
		"consecutive_errors", state.ConsecutiveErrors,
	)
	return nil
}

// StaleRunReport lists running runs with no recent progress. The engine's
// sweeper fails them at its own timeout; the report gives earlier visibility.
func (h *Handlers) StaleRunReport(ctx context.Context, _ model.JobDefinition) error {
	runs, err := h.store.ListStalledRuns(ctx, h.clock().Add(-h.cfg.StalledRunAge))
	if err != nil {
		return model.Transient(err)
	}
	for _, r := range runs {
		h.logger.Warn("run stalled",
			"run_id", r.ID,
			"workflow", r.Workflow,
			"step_cursor", r.StepCursor,
			"last_progress_at", r.LastProgressAt,
		)
	}
	return nil
}

// GovernanceSummary logs a weekly digest of run and verdict counts.
func (h *Handlers) GovernanceSummary(ctx context.Context, _ model.JobDefinition) error {
	since := h.clock().Add(-7 * 24 * time.Hour)
	runStats, err := h.store.RunStats(ctx, since)
	if err != nil {
		return model.Transient(err)
	}
	gateStats, err := h.store.GateStats(ctx, since)
	if err != nil {
		return model.Transient(err)
	}
	h.logger.Info("governance summary",
		"since", since,
		"runs", runStats,
		"verdicts", gateStats,
	)
	return nil
}

// AuditRollup prunes audit entries past retention.
func (h *Handlers) AuditRollup(ctx context.Context, _ model.JobDefinition) error {
	n, err := h.store.PruneAuditEntries(ctx, h.clock().Add(-h.cfg.AuditRetention))
	if err != nil {
		return model.Transient(err)
	}
	if n > 0 {
		h.logger.Info("audit entries pruned", "deleted", n)
	}
	return nil
}

// RunPrune prunes terminal runs past retention.
func (h *Handlers) RunPrune(ctx context.Context, _ model.JobDefinition) error {
	n, err := h.store.PruneTerminalRuns(ctx, h.clock().Add(-h.cfg.RunRetention))
	if err != nil {
		return model.Transient(err)
	}
	if n > 0 {
		h.logger.Info("terminal runs pruned", "deleted", n)
	}
	return nil
}

// DecisionPrune prunes gate decisions past retention.
func (h *Handlers) DecisionPrune(ctx context.Context, _ model.JobDefinition) error {
	n, err := h.store.PruneGateDecisions(ctx, h.clock().Add(-h.cfg.DecisionRetention))
	if err != nil {
		return model.Transient(err)
	}
	if n > 0 {
		h.logger.Info("gate decisions pruned", "deleted", n)
	}
	return nil
}
