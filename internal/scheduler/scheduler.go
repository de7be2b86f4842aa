// Package scheduler fires recurring jobs on cron schedules, enforces a retry
// budget per job, and quarantines exhausted executions in a dead-letter queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/regentlabs/regent/internal/backoff"
	"github.com/regentlabs/regent/internal/breaker"
	"github.com/regentlabs/regent/internal/model"
	"github.com/regentlabs/regent/internal/storage"
)

// Handler executes one firing of a job. Returning a transient error consumes
// an attempt and re-queues; a fatal error dead-letters immediately.
type Handler func(ctx context.Context, job model.JobDefinition) error

// Store is the persistence surface the scheduler needs.
type Store interface {
	InsertJob(ctx context.Context, def model.JobDefinition) error
	GetJob(ctx context.Context, id string) (model.JobDefinition, error)
	ListJobs(ctx context.Context) ([]model.JobDefinition, error)
	SetJobEnabled(ctx context.Context, id string, enabled bool) error

	CreateExecution(ctx context.Context, jobID string, attempt int, scheduledTime time.Time) (model.JobExecution, error)
	AcquireExecution(ctx context.Context, id uuid.UUID) error
	CompleteExecution(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, lastError *string) error
	RequeueExecution(ctx context.Context, id uuid.UUID, at time.Time) error
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]model.JobExecution, error)
	HasActiveExecution(ctx context.Context, jobID string) (bool, error)
	ListExecutionsByJob(ctx context.Context, jobID string, limit int) ([]model.JobExecution, error)

	DeadLetterExecution(ctx context.Context, execID uuid.UUID, jobID, lastError string) (model.DLQEntry, error)
	ListDLQ(ctx context.Context) ([]model.DLQEntry, error)
	ReplayDLQEntry(ctx context.Context, entryID uuid.UUID, scheduledTime time.Time) (model.JobExecution, error)
	PurgeDLQ(ctx context.Context) (int64, error)
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns the job registry and the tick loop. Tick is safe to invoke
// from a timer while executions run concurrently; a per-job in-flight map
// plus the store's conditional pending→running transition prevent a job from
// overlapping itself.
type Scheduler struct {
	store    Store
	breakers *breaker.Registry
	policy   backoff.Policy
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	handlers  map[string]Handler
	schedules map[string]cron.Schedule
	nextFire  map[string]time.Time
	enabled   map[string]bool
	inflight  map[string]bool

	wg sync.WaitGroup
}

// New builds a scheduler around the given store and breaker registry.
func New(store Store, breakers *breaker.Registry, policy backoff.Policy, logger *slog.Logger) *Scheduler {
	return NewWithClock(store, breakers, policy, logger, time.Now)
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(store Store, breakers *breaker.Registry, policy backoff.Policy, logger *slog.Logger, clock func() time.Time) *Scheduler {
	return &Scheduler{
		store:     store,
		breakers:  breakers,
		policy:    policy,
		logger:    logger,
		clock:     clock,
		handlers:  make(map[string]Handler),
		schedules: make(map[string]cron.Schedule),
		nextFire:  make(map[string]time.Time),
		enabled:   make(map[string]bool),
		inflight:  make(map[string]bool),
	}
}

// RegisterHandler binds a handler name to its implementation. Job definitions
// reference handlers by name; an unresolved reference fails the execution.
func (s *Scheduler) RegisterHandler(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// RegisterJob validates and persists a new job definition. Duplicate IDs and
// invalid schedules are rejected.
func (s *Scheduler) RegisterJob(ctx context.Context, def model.JobDefinition) error {
	if err := model.ValidateJobID(def.ID); err != nil {
		return err
	}
	if def.MaxAttempts < 1 {
		return fmt.Errorf("scheduler: job %s: max attempts must be at least 1, got %d", def.ID, def.MaxAttempts)
	}
	sched, err := cronParser.Parse(def.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: invalid schedule %q: %w", def.ID, def.Schedule, err)
	}

	now := s.clock().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if err := s.store.InsertJob(ctx, def); err != nil {
		return err
	}

	s.mu.Lock()
	s.schedules[def.ID] = sched
	s.nextFire[def.ID] = sched.Next(now)
	s.enabled[def.ID] = def.Enabled
	s.mu.Unlock()

	s.logger.Info("job registered", "job_id", def.ID, "schedule", def.Schedule, "handler", def.Handler)
	return nil
}

// Restore hydrates the schedule cache from persisted definitions. Called once
// at startup so jobs survive restarts.
func (s *Scheduler) Restore(ctx context.Context) error {
	defs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: restore: %w", err)
	}
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range defs {
		sched, err := cronParser.Parse(def.Schedule)
		if err != nil {
			s.logger.Error("skipping job with unparseable schedule", "job_id", def.ID, "schedule", def.Schedule, "error", err)
			continue
		}
		s.schedules[def.ID] = sched
		s.nextFire[def.ID] = sched.Next(now)
		s.enabled[def.ID] = def.Enabled
	}
	s.logger.Info("job schedules restored", "count", len(defs))
	return nil
}

// SetEnabled flips a job's enabled flag. Disabled jobs stop firing but their
// definition and history remain.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetJobEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled[id] = enabled
	if enabled {
		if sched, ok := s.schedules[id]; ok {
			s.nextFire[id] = sched.Next(s.clock().UTC())
		}
	}
	s.mu.Unlock()
	return nil
}

// ListJobs returns all persisted job definitions.
func (s *Scheduler) ListJobs(ctx context.Context) ([]model.JobDefinition, error) {
	return s.store.ListJobs(ctx)
}

// Job returns one persisted job definition.
func (s *Scheduler) Job(ctx context.Context, id string) (model.JobDefinition, error) {
	return s.store.GetJob(ctx, id)
}

// Tick fires due jobs and dispatches due pending executions. A job is due
// when its next scheduled time is at or before now and it has no pending or
// running execution outstanding.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	now = now.UTC()

	// Phase 1: create executions for cron-due jobs.
	s.mu.Lock()
	var due []string
	for id, next := range s.nextFire {
		if s.enabled[id] && !next.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		active, err := s.store.HasActiveExecution(ctx, id)
		if err != nil {
			s.logger.Error("tick: active-execution check failed", "job_id", id, "error", err)
			continue
		}

		s.mu.Lock()
		fireAt := s.nextFire[id]
		s.nextFire[id] = s.schedules[id].Next(now)
		s.mu.Unlock()

		if active {
			// Previous firing still in flight; this occurrence is skipped,
			// not queued behind it.
			s.logger.Warn("tick: job still active, skipping occurrence", "job_id", id, "due_at", fireAt)
			continue
		}
		if _, err := s.store.CreateExecution(ctx, id, 1, fireAt); err != nil {
			s.logger.Error("tick: create execution failed", "job_id", id, "error", err)
		}
	}

	// Phase 2: dispatch everything due, including retry re-queues and
	// replayed DLQ entries.
	pending, err := s.store.ListDuePending(ctx, now, 100)
	if err != nil {
		s.logger.Error("tick: list due pending failed", "error", err)
		return
	}
	for _, exec := range pending {
		s.mu.Lock()
		if s.inflight[exec.JobID] {
			s.mu.Unlock()
			continue
		}
		s.inflight[exec.JobID] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.dispatch(ctx, exec)
	}
}

// dispatch claims the execution, runs its handler through the dependency
// breaker, and records the outcome.
func (s *Scheduler) dispatch(ctx context.Context, exec model.JobExecution) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, exec.JobID)
		s.mu.Unlock()
	}()

	if err := s.store.AcquireExecution(ctx, exec.ID); err != nil {
		if !errors.Is(err, storage.ErrConcurrentModification) {
			s.logger.Error("dispatch: acquire failed", "execution_id", exec.ID, "error", err)
		}
		return
	}

	def, err := s.store.GetJob(ctx, exec.JobID)
	if err != nil {
		s.onExecutionResult(ctx, exec, def, model.Fatal(fmt.Errorf("job definition missing: %w", err)))
		return
	}

	s.mu.Lock()
	handler, ok := s.handlers[def.Handler]
	s.mu.Unlock()
	if !ok {
		s.onExecutionResult(ctx, exec, def, model.Fatal(fmt.Errorf("unknown handler %q", def.Handler)))
		return
	}

	br := s.breakers.Get("job:" + def.Handler)
	runErr := br.Do(ctx, func(ctx context.Context) error {
		return handler(ctx, def)
	})
	s.onExecutionResult(ctx, exec, def, runErr)
}

// onExecutionResult finalizes one attempt. Success records succeeded; the
// next occurrence comes from the cron schedule. Failure consults the retry
// policy: attempts remaining re-queue with backoff, exhaustion (or a fatal
// error) dead-letters the execution.
func (s *Scheduler) onExecutionResult(ctx context.Context, exec model.JobExecution, def model.JobDefinition, runErr error) {
	if runErr == nil {
		if err := s.store.CompleteExecution(ctx, exec.ID, model.ExecutionSucceeded, nil); err != nil {
			s.logger.Error("result: complete failed", "execution_id", exec.ID, "error", err)
		}
		s.logger.Info("job succeeded", "job_id", exec.JobID, "execution_id", exec.ID, "attempt", exec.Attempt)
		return
	}

	msg := runErr.Error()
	if err := s.store.CompleteExecution(ctx, exec.ID, model.ExecutionFailed, &msg); err != nil {
		s.logger.Error("result: complete failed", "execution_id", exec.ID, "error", err)
		return
	}

	policy := s.policy
	if def.MaxAttempts > 0 {
		policy.MaxAttempts = def.MaxAttempts
	}

	if model.IsFatal(runErr) || policy.Exhausted(exec.Attempt) {
		if _, err := s.store.DeadLetterExecution(ctx, exec.ID, exec.JobID, msg); err != nil {
			s.logger.Error("result: dead-letter failed", "execution_id", exec.ID, "error", err)
			return
		}
		s.logger.Error("job dead-lettered", "job_id", exec.JobID, "execution_id", exec.ID,
			"attempt", exec.Attempt, "error", msg)
		return
	}

	delay := policy.Delay(exec.Attempt)
	at := s.clock().UTC().Add(delay)
	if err := s.store.RequeueExecution(ctx, exec.ID, at); err != nil {
		s.logger.Error("result: requeue failed", "execution_id", exec.ID, "error", err)
		return
	}
	s.logger.Warn("job attempt failed, re-queued", "job_id", exec.JobID, "execution_id", exec.ID,
		"attempt", exec.Attempt, "retry_at", at, "error", msg)
}

// ListDLQ returns the dead-letter queue, oldest first.
func (s *Scheduler) ListDLQ(ctx context.Context) ([]model.DLQEntry, error) {
	return s.store.ListDLQ(ctx)
}

// Replay removes a DLQ entry and schedules a fresh execution with the attempt
// count reset. Replay does not guarantee the original failure cause is fixed.
func (s *Scheduler) Replay(ctx context.Context, entryID uuid.UUID) (model.JobExecution, error) {
	exec, err := s.store.ReplayDLQEntry(ctx, entryID, s.clock().UTC())
	if err != nil {
		return model.JobExecution{}, err
	}
	s.logger.Info("dlq entry replayed", "entry_id", entryID, "job_id", exec.JobID, "execution_id", exec.ID)
	return exec, nil
}

// PurgeDLQ drops every dead-letter entry.
func (s *Scheduler) PurgeDLQ(ctx context.Context) (int64, error) {
	return s.store.PurgeDLQ(ctx)
}

// Start runs the tick loop until ctx is cancelled, then waits for in-flight
// dispatches to finish.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("scheduler started", "tick_interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Wait blocks until all in-flight dispatches complete. Used by shutdown and tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
