package tower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/internal/backoff"
	"github.com/regentlabs/regent/internal/breaker"
	"github.com/regentlabs/regent/internal/gate"
	"github.com/regentlabs/regent/internal/model"
	"github.com/regentlabs/regent/internal/storage"
)

// ErrUnknownWorkflow is returned by StartRun for an unregistered workflow name.
var ErrUnknownWorkflow = errors.New("tower: unknown workflow")

// Store is the persistence surface the engine needs.
type Store interface {
	CreateRun(ctx context.Context, workflow string, trigger model.TriggerSource, input map[string]any) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus, failReason *string) error
	AdvanceRunCursor(ctx context.Context, id uuid.UUID, cursor int) error
	CancelRun(ctx context.Context, id uuid.UUID, reason string) error
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit, offset int) ([]model.Run, error)
	ListStalledRuns(ctx context.Context, cutoff time.Time) ([]model.Run, error)

	AppendStepEvent(ctx context.Context, runID uuid.UUID, stepName string, outcome model.StepOutcome, payload map[string]any) (model.StepEvent, error)
	GetEventsByRun(ctx context.Context, runID uuid.UUID) ([]model.StepEvent, error)

	CreateTicket(ctx context.Context, runID *uuid.UUID, stepName string, tier model.RiskTier, question string, escalation bool) (model.Ticket, error)
	GetTicket(ctx context.Context, id uuid.UUID) (model.Ticket, error)
	ListTicketsByStatus(ctx context.Context, status model.TicketStatus, limit, offset int) ([]model.Ticket, error)
	ResolveTicket(ctx context.Context, id uuid.UUID, status model.TicketStatus, decidedBy string, decision map[string]any) (model.Ticket, error)
	ExpireStaleTickets(ctx context.Context, cutoff time.Time) ([]model.Ticket, error)
}

// Invoker dispatches a step to an external capability. Errors must be
// classified transient or fatal by the implementation; unclassified errors
// are treated as transient.
type Invoker interface {
	Invoke(ctx context.Context, capability string, input map[string]any) (map[string]any, error)
}

// Notifier surfaces a pending ticket to a human channel. Fire-and-forget:
// delivery failures are logged, never block the run.
type Notifier interface {
	RaiseTicket(ctx context.Context, t model.Ticket) error
}

// GateEvaluator is the governance gate surface the engine consults.
type GateEvaluator interface {
	Evaluate(ctx context.Context, subject, subjectType string, gctx gate.Context) (model.GateDecision, error)
}

// Config bounds run execution.
type Config struct {
	// RunTimeout fails a run with no step progress for this long.
	RunTimeout time.Duration
	// TicketTTL expires pending tickets older than this.
	TicketTTL time.Duration
	// DefaultRetryBudget caps transient retries for steps that declare none.
	DefaultRetryBudget int
	// MaxConcurrentRuns bounds simultaneously executing step loops.
	MaxConcurrentRuns int
}

// DefaultConfig is the production run policy.
func DefaultConfig() Config {
	return Config{
		RunTimeout:         5 * time.Minute,
		TicketTTL:          24 * time.Hour,
		DefaultRetryBudget: 3,
		MaxConcurrentRuns:  8,
	}
}

// Engine executes workflow runs. Each run owns a goroutine-driven step loop;
// runs communicate only through the shared persisted entities, and every
// state transition is conditional so racing actors cannot corrupt a run.
type Engine struct {
	store    Store
	registry *Registry
	gate     GateEvaluator
	breakers *breaker.Registry
	invoker  Invoker
	notifier Notifier
	policy   backoff.Policy
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	loopCtx context.Context
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New builds an engine. The notifier may be nil when no human channel is wired.
func New(store Store, registry *Registry, g GateEvaluator, breakers *breaker.Registry,
	invoker Invoker, notifier Notifier, policy backoff.Policy, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.DefaultRetryBudget < 1 {
		cfg.DefaultRetryBudget = 1
	}
	return &Engine{
		store:    store,
		registry: registry,
		gate:     g,
		breakers: breakers,
		invoker:  invoker,
		notifier: notifier,
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
		loopCtx:  context.Background(),
		sem:      make(chan struct{}, cfg.MaxConcurrentRuns),
	}
}

// WithClock injects a clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithSleep injects the retry-delay sleeper for tests.
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start binds the engine's background lifecycle: step loops spawned after
// this point run under ctx, and the stall/expiry sweepers tick until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context, sweepInterval time.Duration) {
	e.loopCtx = ctx
	if sweepInterval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.SweepStalledRuns(ctx)
				e.SweepExpiredTickets(ctx)
			}
		}
	}()
}

// Wait blocks until all step loops and sweepers have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// StartRun creates a run for the named workflow and returns it immediately;
// the step loop proceeds in its own goroutine (fire-and-continue).
func (e *Engine) StartRun(ctx context.Context, trigger model.TriggerSource, workflow string, input map[string]any) (model.Run, error) {
	wf, ok := e.registry.Get(workflow)
	if !ok {
		return model.Run{}, fmt.Errorf("%w %q", ErrUnknownWorkflow, workflow)
	}

	run, err := e.store.CreateRun(ctx, workflow, trigger, input)
	if err != nil {
		return model.Run{}, err
	}
	e.logger.Info("run started", "run_id", run.ID, "workflow", workflow, "trigger", trigger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop(e.loopCtx, run.ID, wf, run.Input, 0, true, false)
	}()
	return run, nil
}

// runLoop drives the step cursor from `cursor` to completion or suspension.
// fromQueued marks a fresh run that still needs the queued→running transition.
// gateApproved bypasses the gate check on the first step only: an operator
// approved the escalation ticket and that decision is already on record.
func (e *Engine) runLoop(ctx context.Context, runID uuid.UUID, wf Workflow, input map[string]any, cursor int, fromQueued, gateApproved bool) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return
	}

	if fromQueued {
		if err := e.store.TransitionRun(ctx, runID, model.RunStatusQueued, model.RunStatusRunning, nil); err != nil {
			// Cancelled before it ever ran.
			e.logger.Info("run not started", "run_id", runID, "error", err)
			return
		}
	}

	for ; cursor < len(wf.Steps); cursor++ {
		step := wf.Steps[cursor]

		next, done := e.executeStep(ctx, runID, wf, step, input, gateApproved)
		gateApproved = false
		if done {
			return
		}
		if !next {
			// Suspended on a ticket; Decide resumes the run.
			return
		}
		if err := e.store.AdvanceRunCursor(ctx, runID, cursor+1); err != nil {
			// The run was cancelled or failed out from under the loop.
			e.logger.Info("run loop stopped", "run_id", runID, "error", err)
			return
		}
	}

	if err := e.store.TransitionRun(ctx, runID, model.RunStatusRunning, model.RunStatusSucceeded, nil); err != nil {
		e.logger.Info("run completion lost race", "run_id", runID, "error", err)
		return
	}
	e.logger.Info("run succeeded", "run_id", runID, "workflow", wf.Name)
}

// executeStep performs one step. Returns (advance, terminal): advance means
// move the cursor to the next step; terminal means the run reached a final
// state (or lost a transition race) and the loop must stop.
func (e *Engine) executeStep(ctx context.Context, runID uuid.UUID, wf Workflow, step StepDef, input map[string]any, gateApproved bool) (bool, bool) {
	if step.NeedsApproval {
		question := fmt.Sprintf("approve step %q of workflow %q", step.Name, wf.Name)
		tier := step.RiskTier
		if tier == "" {
			tier = model.RiskMedium
		}
		e.suspendOnTicket(ctx, runID, step.Name, tier, question, nil, false)
		return false, false
	}

	if !gateApproved && step.RiskTier.AtLeast(model.RiskMedium) {
		subject := step.GateSubject
		if subject == "" {
			subject = step.Capability
		}
		decision, err := e.gate.Evaluate(ctx, subject, "step", gate.ContextFromMap(input))
		if err != nil {
			e.failRun(ctx, runID, fmt.Sprintf("gate evaluation failed: %v", err))
			return false, true
		}
		switch decision.Verdict {
		case model.VerdictDeny:
			reason := lastReason(decision)
			e.appendEvent(ctx, runID, step.Name, model.StepOutcomeDenied, map[string]any{
				"subject": subject, "level_reached": decision.LevelReached, "reason": reason,
			})
			e.failRun(ctx, runID, fmt.Sprintf("gate denied %q: %s", subject, reason))
			return false, true
		case model.VerdictEscalate:
			question := fmt.Sprintf("gate escalated %q at level %d: %s", subject, decision.LevelReached, lastReason(decision))
			e.suspendOnTicket(ctx, runID, step.Name, step.RiskTier, question, map[string]any{
				"decision_id": decision.ID.String(),
			}, true)
			return false, false
		}
	}

	budget := step.RetryBudget
	if budget < 1 {
		budget = e.cfg.DefaultRetryBudget
	}
	br := e.breakers.Get("capability:" + step.Capability)

	for attempt := 1; ; attempt++ {
		var output map[string]any
		err := br.Do(ctx, func(ctx context.Context) error {
			var invokeErr error
			output, invokeErr = e.invoker.Invoke(ctx, step.Capability, input)
			return invokeErr
		})
		if err == nil {
			e.appendEvent(ctx, runID, step.Name, model.StepOutcomeSucceeded, output)
			return true, false
		}

		if model.IsFatal(err) {
			e.appendEvent(ctx, runID, step.Name, model.StepOutcomeFailed, map[string]any{
				"error": err.Error(), "attempt": attempt, "fatal": true,
			})
			e.failRun(ctx, runID, fmt.Sprintf("step %q failed: %v", step.Name, err))
			return false, true
		}

		// Transient, breaker-open, or unclassified: consume the retry budget.
		if attempt >= budget {
			e.appendEvent(ctx, runID, step.Name, model.StepOutcomeFailed, map[string]any{
				"error": err.Error(), "attempt": attempt,
			})
			e.failRun(ctx, runID, fmt.Sprintf("step %q exhausted retry budget (%d attempts): %v", step.Name, budget, err))
			return false, true
		}
		e.appendEvent(ctx, runID, step.Name, model.StepOutcomeRetried, map[string]any{
			"error": err.Error(), "attempt": attempt,
		})
		if err := e.sleep(ctx, e.policy.Delay(attempt)); err != nil {
			e.logger.Info("run loop interrupted during backoff", "run_id", runID)
			return false, true
		}
	}
}

// suspendOnTicket raises a pending ticket and parks the run on it.
// escalation marks tickets raised by a gate verdict rather than a
// NeedsApproval step; Decide resumes the two differently.
func (e *Engine) suspendOnTicket(ctx context.Context, runID uuid.UUID, stepName string, tier model.RiskTier, question string, payload map[string]any, escalation bool) {
	ticket, err := e.store.CreateTicket(ctx, &runID, stepName, tier, question, escalation)
	if err != nil {
		e.failRun(ctx, runID, fmt.Sprintf("raising ticket failed: %v", err))
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["ticket_id"] = ticket.ID.String()
	payload["question"] = question
	e.appendEvent(ctx, runID, stepName, model.StepOutcomeTicketRaised, payload)

	if err := e.store.TransitionRun(ctx, runID, model.RunStatusRunning, model.RunStatusWaitingOnTicket, nil); err != nil {
		e.logger.Info("run suspension lost race", "run_id", runID, "error", err)
		return
	}
	e.logger.Info("run waiting on ticket", "run_id", runID, "ticket_id", ticket.ID, "step", stepName)

	if e.notifier != nil {
		if err := e.notifier.RaiseTicket(ctx, ticket); err != nil {
			e.logger.Warn("ticket notification failed", "ticket_id", ticket.ID, "error", err)
		}
	}
}

// Decide resolves a pending ticket. Exactly one decision wins; a second call
// surfaces the store's conflict error and leaves run state untouched. On
// approval an approval ticket resumes its run at the step after the one that
// raised it (the suspension stood in for the step), while an escalation
// ticket re-enters the raising step with the gate bypassed so the approved
// capability actually executes. On rejection the run fails with "rejected by
// operator".
func (e *Engine) Decide(ctx context.Context, ticketID uuid.UUID, approve bool, decidedBy string, payload map[string]any) (model.Ticket, error) {
	status := model.TicketRejected
	if approve {
		status = model.TicketApproved
	}
	ticket, err := e.store.ResolveTicket(ctx, ticketID, status, decidedBy, payload)
	if err != nil {
		return model.Ticket{}, err
	}
	e.logger.Info("ticket decided", "ticket_id", ticketID, "status", status, "decided_by", decidedBy)

	if ticket.RunID == nil {
		return ticket, nil
	}
	runID := *ticket.RunID

	e.appendEvent(ctx, runID, ticket.StepName, model.StepOutcomeTicketResolved, map[string]any{
		"ticket_id": ticket.ID.String(), "approved": approve, "decided_by": decidedBy,
	})

	if !approve {
		reason := "rejected by operator"
		if err := e.store.TransitionRun(ctx, runID, model.RunStatusWaitingOnTicket, model.RunStatusFailed, &reason); err != nil {
			e.logger.Info("rejection transition lost race", "run_id", runID, "error", err)
		}
		return ticket, nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return ticket, nil
	}
	wf, ok := e.registry.Get(run.Workflow)
	if !ok {
		reason := fmt.Sprintf("workflow %q no longer registered", run.Workflow)
		_ = e.store.TransitionRun(ctx, runID, model.RunStatusWaitingOnTicket, model.RunStatusFailed, &reason)
		return ticket, nil
	}

	if err := e.store.TransitionRun(ctx, runID, model.RunStatusWaitingOnTicket, model.RunStatusRunning, nil); err != nil {
		e.logger.Info("resume transition lost race", "run_id", runID, "error", err)
		return ticket, nil
	}
	next := run.StepCursor + 1
	if ticket.Escalation {
		next = run.StepCursor
	}
	if err := e.store.AdvanceRunCursor(ctx, runID, next); err != nil {
		e.logger.Info("resume cursor advance lost race", "run_id", runID, "error", err)
		return ticket, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop(e.loopCtx, runID, wf, run.Input, next, false, ticket.Escalation)
	}()
	return ticket, nil
}

// Cancel transitions a non-terminal run to cancelled. Already-emitted step
// events and in-flight external side effects are not undone.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}
	return e.store.CancelRun(ctx, runID, reason)
}

// SweepStalledRuns fails running runs with no step progress inside the
// timeout window. In-flight external calls are not cancelled; their side
// effects must be idempotent or reconciled out of band.
func (e *Engine) SweepStalledRuns(ctx context.Context) {
	cutoff := e.clock().Add(-e.cfg.RunTimeout)
	stalled, err := e.store.ListStalledRuns(ctx, cutoff)
	if err != nil {
		e.logger.Error("stall sweep failed", "error", err)
		return
	}
	for _, run := range stalled {
		reason := "timeout"
		if err := e.store.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusFailed, &reason); err != nil {
			continue // progressed or finished while we looked
		}
		e.logger.Warn("run timed out", "run_id", run.ID, "workflow", run.Workflow,
			"last_progress_at", run.LastProgressAt)
	}
}

// SweepExpiredTickets expires pending tickets past their TTL and fails the
// runs blocked on them.
func (e *Engine) SweepExpiredTickets(ctx context.Context) {
	cutoff := e.clock().Add(-e.cfg.TicketTTL)
	expired, err := e.store.ExpireStaleTickets(ctx, cutoff)
	if err != nil {
		e.logger.Error("ticket expiry sweep failed", "error", err)
		return
	}
	for _, ticket := range expired {
		e.logger.Warn("ticket expired", "ticket_id", ticket.ID, "raised_at", ticket.RaisedAt)
		if ticket.RunID == nil {
			continue
		}
		e.appendEvent(ctx, *ticket.RunID, ticket.StepName, model.StepOutcomeFailed, map[string]any{
			"ticket_id": ticket.ID.String(), "reason": "ticket expired",
		})
		reason := "ticket expired"
		if err := e.store.TransitionRun(ctx, *ticket.RunID, model.RunStatusWaitingOnTicket, model.RunStatusFailed, &reason); err != nil {
			e.logger.Info("ticket expiry transition lost race", "run_id", *ticket.RunID, "error", err)
		}
	}
}

// GetRun returns a run with its ordered step events.
func (e *Engine) GetRun(ctx context.Context, runID uuid.UUID) (model.RunDetail, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	events, err := e.store.GetEventsByRun(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	return model.RunDetail{Run: run, Events: events}, nil
}

// ListRuns returns runs filtered by status (all when empty).
func (e *Engine) ListRuns(ctx context.Context, status model.RunStatus, limit, offset int) ([]model.Run, error) {
	return e.store.ListRunsByStatus(ctx, status, limit, offset)
}

// ListTickets returns tickets filtered by status (all when empty).
func (e *Engine) ListTickets(ctx context.Context, status model.TicketStatus, limit, offset int) ([]model.Ticket, error) {
	return e.store.ListTicketsByStatus(ctx, status, limit, offset)
}

// appendEvent records a step outcome, tolerating failures: event loss is
// logged loudly but does not corrupt the run state machine.
func (e *Engine) appendEvent(ctx context.Context, runID uuid.UUID, stepName string, outcome model.StepOutcome, payload map[string]any) {
	if _, err := e.store.AppendStepEvent(ctx, runID, stepName, outcome, payload); err != nil {
		e.logger.Error("step event append failed", "run_id", runID, "step", stepName,
			"outcome", outcome, "error", err)
	}
}

// failRun moves a running run to failed with a retained cause.
func (e *Engine) failRun(ctx context.Context, runID uuid.UUID, reason string) {
	if err := e.store.TransitionRun(ctx, runID, model.RunStatusRunning, model.RunStatusFailed, &reason); err != nil {
		if !errors.Is(err, storage.ErrConcurrentModification) {
			e.logger.Error("run failure transition errored", "run_id", runID, "error", err)
		}
		return
	}
	e.logger.Warn("run failed", "run_id", runID, "reason", reason)
}

// lastReason extracts the failing level's reason from a decision.
func lastReason(d model.GateDecision) string {
	if len(d.Levels) == 0 {
		return ""
	}
	return d.Levels[len(d.Levels)-1].Reason
}
