package scheduler

import (
	"context"
	"errors"

	"github.com/regentlabs/regent/internal/model"
	"github.com/regentlabs/regent/internal/storage"
)

// DefaultJobs is the production job set loaded at config time. Handlers are
// resolved from the handler registry at dispatch; IDs are stable and never
// deleted, only disabled.
func DefaultJobs() []model.JobDefinition {
	return []model.JobDefinition{
		{ID: "agent-heartbeat", Schedule: "* * * * *", Handler: "health.heartbeat", MaxAttempts: 1, Enabled: true},
		{ID: "credit-usage-snapshot", Schedule: "*/10 * * * *", Handler: "billing.usage_snapshot", MaxAttempts: 3, Enabled: true},
		{ID: "credit-forecast", Schedule: "0 6 * * *", Handler: "billing.forecast", MaxAttempts: 3, Enabled: true},
		{ID: "goal-refresh", Schedule: "0 * * * *", Handler: "goals.refresh", MaxAttempts: 3, Enabled: true},
		{ID: "goal-alignment-recheck", Schedule: "30 */4 * * *", Handler: "goals.alignment_recheck", MaxAttempts: 3, Enabled: true},
		{ID: "capability-inventory-sync", Schedule: "15 * * * *", Handler: "capabilities.inventory_sync", MaxAttempts: 3, Enabled: true},
		{ID: "capability-cost-report", Schedule: "0 7 * * *", Handler: "capabilities.cost_report", MaxAttempts: 2, Enabled: true},
		{ID: "ticket-reminder", Schedule: "*/15 * * * *", Handler: "tickets.reminder", MaxAttempts: 2, Enabled: true},
		{ID: "stale-ticket-escalation", Schedule: "0 */2 * * *", Handler: "tickets.escalate_stale", MaxAttempts: 3, Enabled: true},
		{ID: "dlq-digest", Schedule: "0 8 * * *", Handler: "reports.dlq_digest", MaxAttempts: 2, Enabled: true},
		{ID: "breaker-health-report", Schedule: "*/5 * * * *", Handler: "reports.breaker_health", MaxAttempts: 1, Enabled: true},
		{ID: "queue-depth-snapshot", Schedule: "*/5 * * * *", Handler: "reports.queue_depth", MaxAttempts: 1, Enabled: true},
		{ID: "stale-run-report", Schedule: "*/30 * * * *", Handler: "reports.stale_runs", MaxAttempts: 2, Enabled: true},
		{ID: "weekly-governance-summary", Schedule: "0 9 * * 1", Handler: "reports.governance_summary", MaxAttempts: 3, Enabled: true},
		{ID: "audit-log-rollup", Schedule: "0 1 * * *", Handler: "maintenance.audit_rollup", MaxAttempts: 3, Enabled: true},
		{ID: "run-retention-prune", Schedule: "0 2 * * *", Handler: "maintenance.run_prune", MaxAttempts: 3, Enabled: true},
		{ID: "decision-retention-prune", Schedule: "0 3 * * *", Handler: "maintenance.decision_prune", MaxAttempts: 3, Enabled: true},
		{ID: "planner-warmup", Schedule: "0 5 * * *", Handler: "planner.warmup", MaxAttempts: 2, Enabled: true},
	}
}

// LoadDefaults registers the default job set. Definitions that already exist
// are skipped so restarts are idempotent, and definitions whose handler has
// not been registered are skipped so a partial deployment never dead-letters
// on an unresolvable handler.
func (s *Scheduler) LoadDefaults(ctx context.Context) error {
	for _, def := range DefaultJobs() {
		s.mu.Lock()
		_, ok := s.handlers[def.Handler]
		s.mu.Unlock()
		if !ok {
			s.logger.Info("skipping default job, handler not registered",
				"job_id", def.ID, "handler", def.Handler)
			continue
		}
		if err := s.RegisterJob(ctx, def); err != nil {
			if errors.Is(err, storage.ErrDuplicateJob) {
				continue
			}
			return err
		}
	}
	return nil
}
