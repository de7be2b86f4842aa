// Package autonomy runs the continuous control loop that originates
// agent-initiated work, independent of the scheduler's fixed cadence.
//
// The loop self-monitors: every tick outcome lands in an append-only audit
// log, consecutive failures force a pause at a configured threshold, and
// only an explicit resume returns it to running. Loop failures never
// terminate the process.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/internal/gate"
	"github.com/regentlabs/regent/internal/model"
)

// Planner is the external collaborator consulted each tick for new work.
type Planner interface {
	NextWork(ctx context.Context) (*WorkItem, error)
}

// RunStarter is the engine surface the loop drives.
type RunStarter interface {
	StartRun(ctx context.Context, trigger model.TriggerSource, workflow string, input map[string]any) (model.Run, error)
}

// GateEvaluator admits or blocks a work item before a run starts.
type GateEvaluator interface {
	Evaluate(ctx context.Context, subject, subjectType string, gctx gate.Context) (model.GateDecision, error)
}

// AuditStore persists tick outcomes.
type AuditStore interface {
	AppendAuditEntry(ctx context.Context, outcome model.AuditOutcome, detail string, runID *uuid.UUID, metadata map[string]any) (model.AuditEntry, error)
	ListAuditEntries(ctx context.Context, limit, offset int) ([]model.AuditEntry, error)
}

// WorkQueue buffers planned work between ticks.
type WorkQueue interface {
	Push(ctx context.Context, item WorkItem) error
	Pop(ctx context.Context) (*WorkItem, error)
	Depth(ctx context.Context) (int64, error)
	Clear(ctx context.Context) (int64, error)
}

// Loop is the autonomy control loop. State is a process-wide singleton
// guarded by a mutex; it is never mutated except under it.
type Loop struct {
	planner Planner
	engine  RunStarter
	gate    GateEvaluator
	queue   WorkQueue
	audit   AuditStore
	logger  *slog.Logger
	clock   func() time.Time

	errorThreshold int

	mu                sync.Mutex
	status            model.AutonomyStatus
	pauseReason       model.PauseReason
	consecutiveErrors int
	lastTickAt        *time.Time
}

// New builds a loop in the running state. The queue may be nil; the loop
// then polls the planner directly every tick.
func New(planner Planner, engine RunStarter, g GateEvaluator, queue WorkQueue,
	audit AuditStore, errorThreshold int, logger *slog.Logger) *Loop {
	if errorThreshold < 1 {
		errorThreshold = 5
	}
	return &Loop{
		planner:        planner,
		engine:         engine,
		gate:           g,
		queue:          queue,
		audit:          audit,
		logger:         logger,
		clock:          func() time.Time { return time.Now().UTC() },
		errorThreshold: errorThreshold,
		status:         model.AutonomyRunning,
		pauseReason:    model.PauseNone,
	}
}

// WithClock injects a clock for tests.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

// Start ticks until ctx is cancelled.
func (l *Loop) Start(ctx context.Context, interval time.Duration) {
	l.logger.Info("autonomy loop started", "tick_interval", interval, "error_threshold", l.errorThreshold)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("autonomy loop stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one pass: find work, gate it, start a run, record the
// outcome. While paused the tick is a no-op — the planner is not consulted.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	if l.status == model.AutonomyPaused {
		l.mu.Unlock()
		return
	}
	now := l.clock()
	l.lastTickAt = &now
	l.mu.Unlock()

	item, err := l.nextWork(ctx)
	if err != nil {
		if errors.Is(err, model.ErrCreditExhausted) {
			l.pauseLocked(ctx, model.PauseCreditExhausted, "planner reported exhausted credit")
			return
		}
		l.recordFailure(ctx, fmt.Sprintf("planner poll failed: %v", err), nil)
		return
	}
	if item == nil {
		l.recordSuccess(ctx, model.AuditNoWork, "no work available", nil, nil)
		return
	}

	// Finding work is progress worth auditing, but the error streak only
	// resets once the tick carries the item through to a recorded outcome.
	l.appendAudit(ctx, model.AuditWorkFound, item.Subject, nil, map[string]any{
		"workflow": item.Workflow, "subject_type": item.SubjectType,
	})

	decision, err := l.gate.Evaluate(ctx, item.Subject, item.SubjectType, gate.ContextFromMap(item.Input))
	if err != nil {
		l.recordFailure(ctx, fmt.Sprintf("gate evaluation failed for %q: %v", item.Subject, err), nil)
		return
	}
	if decision.Verdict != model.VerdictAdmit {
		// A denial is a recorded governance verdict, not a loop failure.
		l.recordSuccess(ctx, model.AuditGateDenied,
			fmt.Sprintf("gate %s %q at level %d", decision.Verdict, item.Subject, decision.LevelReached),
			nil, map[string]any{"verdict": string(decision.Verdict)})
		return
	}

	run, err := l.engine.StartRun(ctx, model.TriggerAutonomy, item.Workflow, item.Input)
	if err != nil {
		l.recordFailure(ctx, fmt.Sprintf("starting run for %q failed: %v", item.Subject, err), nil)
		return
	}
	l.recordSuccess(ctx, model.AuditRunStarted, item.Subject, &run.ID, map[string]any{
		"workflow": item.Workflow,
	})
}

// ErrNoQueue is returned by Enqueue when the loop was built without a work
// queue and work items can only come from direct planner polls.
var ErrNoQueue = errors.New("autonomy: no work queue configured")

// Enqueue buffers a work item for a future tick. External producers feed
// the loop through here; queued items are consumed ahead of planner polls.
func (l *Loop) Enqueue(ctx context.Context, item WorkItem) error {
	if l.queue == nil {
		return ErrNoQueue
	}
	if err := l.queue.Push(ctx, item); err != nil {
		return fmt.Errorf("enqueue work item: %w", err)
	}
	l.logger.Info("work item queued", "workflow", item.Workflow, "subject", item.Subject)
	return nil
}

// nextWork prefers the queue and falls back to a direct planner poll.
func (l *Loop) nextWork(ctx context.Context) (*WorkItem, error) {
	if l.queue != nil {
		item, err := l.queue.Pop(ctx)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}
	return l.planner.NextWork(ctx)
}

// Pause stops the loop until an explicit resume. Reason defaults to manual.
func (l *Loop) Pause(ctx context.Context, reason model.PauseReason) {
	if reason == "" || reason == model.PauseNone {
		reason = model.PauseManual
	}
	l.pauseLocked(ctx, reason, "paused by operator")
}

func (l *Loop) pauseLocked(ctx context.Context, reason model.PauseReason, detail string) {
	l.mu.Lock()
	alreadyPaused := l.status == model.AutonomyPaused
	l.status = model.AutonomyPaused
	l.pauseReason = reason
	l.mu.Unlock()

	if alreadyPaused {
		return
	}
	l.logger.Warn("autonomy paused", "reason", reason, "detail", detail)
	l.appendAudit(ctx, model.AuditPaused, detail, nil, map[string]any{"reason": string(reason)})
}

// Resume returns the loop to running and resets the consecutive error count.
func (l *Loop) Resume(ctx context.Context) {
	l.mu.Lock()
	wasPaused := l.status == model.AutonomyPaused
	l.status = model.AutonomyRunning
	l.pauseReason = model.PauseNone
	l.consecutiveErrors = 0
	l.mu.Unlock()

	if !wasPaused {
		return
	}
	l.logger.Info("autonomy resumed")
	l.appendAudit(ctx, model.AuditResumed, "resumed by operator", nil, nil)
}

// Status snapshots the loop's health, including the current queue depth.
func (l *Loop) Status(ctx context.Context) model.AutonomyState {
	l.mu.Lock()
	state := model.AutonomyState{
		Status:            l.status,
		PauseReason:       l.pauseReason,
		ConsecutiveErrors: l.consecutiveErrors,
		LastTickAt:        l.lastTickAt,
	}
	l.mu.Unlock()

	if l.queue != nil {
		if depth, err := l.queue.Depth(ctx); err == nil {
			state.QueueDepth = depth
		}
	}
	return state
}

// ClearQueue drops queued work items without affecting in-flight runs.
func (l *Loop) ClearQueue(ctx context.Context) (int64, error) {
	if l.queue == nil {
		return 0, nil
	}
	n, err := l.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	l.logger.Info("autonomy queue cleared", "dropped", n)
	l.appendAudit(ctx, model.AuditQueueCleared, fmt.Sprintf("dropped %d queued items", n), nil, nil)
	return n, nil
}

// Audit returns audit entries, newest first.
func (l *Loop) Audit(ctx context.Context, limit, offset int) ([]model.AuditEntry, error) {
	return l.audit.ListAuditEntries(ctx, limit, offset)
}

// recordSuccess logs a completed tick outcome and resets the error streak.
// Only terminal tick outcomes (no work, gate verdict, run started) go
// through here; mid-tick progress is audited without touching the streak.
func (l *Loop) recordSuccess(ctx context.Context, outcome model.AuditOutcome, detail string, runID *uuid.UUID, metadata map[string]any) {
	l.mu.Lock()
	l.consecutiveErrors = 0
	l.mu.Unlock()
	l.appendAudit(ctx, outcome, detail, runID, metadata)
}

// recordFailure logs a failed tick and pauses at the threshold.
func (l *Loop) recordFailure(ctx context.Context, detail string, runID *uuid.UUID) {
	l.mu.Lock()
	l.consecutiveErrors++
	count := l.consecutiveErrors
	l.mu.Unlock()

	l.logger.Warn("autonomy tick failed", "detail", detail, "consecutive_errors", count)
	l.appendAudit(ctx, model.AuditRunFailed, detail, runID, map[string]any{"consecutive_errors": count})

	if count >= l.errorThreshold {
		l.pauseLocked(ctx, model.PauseErrorThreshold,
			fmt.Sprintf("%d consecutive errors reached threshold %d", count, l.errorThreshold))
	}
}

func (l *Loop) appendAudit(ctx context.Context, outcome model.AuditOutcome, detail string, runID *uuid.UUID, metadata map[string]any) {
	if _, err := l.audit.AppendAuditEntry(ctx, outcome, detail, runID, metadata); err != nil {
		l.logger.Error("audit append failed", "outcome", outcome, "error", err)
	}
}
