// Package gate implements the governance gate: an ordered hierarchy of
// admission checks evaluated before any high-impact action executes.
//
// Evaluation walks the ladder outermost-first. The first failing level ends
// the walk with verdict deny — or escalate when the level is marked
// escalatable — and every evaluation persists an immutable decision record
// for audit. Denied actions are never retried automatically; they must be
// re-proposed with updated context.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/internal/model"
)

// DecisionStore persists and lists gate decisions.
type DecisionStore interface {
	InsertGateDecision(ctx context.Context, d model.GateDecision) error
	ListGateDecisions(ctx context.Context, limit, offset int) ([]model.GateDecision, error)
}

// Gate evaluates proposed actions against per-subject-type ladders.
type Gate struct {
	def    Ladder
	byType map[string]Ladder
	store  DecisionStore
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a gate with the default ladder built from thresholds.
func New(store DecisionStore, logger *slog.Logger, t Thresholds) *Gate {
	return &Gate{
		def:    DefaultLadder(t),
		byType: make(map[string]Ladder),
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// WithLadder overrides the ladder for one subject type. Returns the gate for
// chaining during wiring.
func (g *Gate) WithLadder(subjectType string, l Ladder) *Gate {
	g.byType[subjectType] = l
	return g
}

// WithClock injects a clock for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Evaluate walks the ladder for the subject's type and records the outcome.
// The returned decision is immutable; storage failure fails the evaluation
// because an unrecorded admission would be an unauditable bypass.
func (g *Gate) Evaluate(ctx context.Context, subject, subjectType string, gctx Context) (model.GateDecision, error) {
	ladder := g.def
	if l, ok := g.byType[subjectType]; ok {
		ladder = l
	}

	decision := model.GateDecision{
		ID:          uuid.New(),
		Subject:     subject,
		SubjectType: subjectType,
		Verdict:     model.VerdictAdmit,
		EvaluatedAt: g.clock(),
	}

	for i, level := range ladder {
		passed, reason := level.Check(gctx)
		decision.Levels = append(decision.Levels, model.LevelResult{
			Level:  i + 1,
			Name:   level.Name,
			Passed: passed,
			Reason: reason,
		})
		decision.LevelReached = i + 1

		if !passed {
			decision.Verdict = model.VerdictDeny
			if level.Escalatable {
				decision.Verdict = model.VerdictEscalate
			}
			break
		}
	}

	if err := g.store.InsertGateDecision(ctx, decision); err != nil {
		return model.GateDecision{}, fmt.Errorf("gate: record decision: %w", err)
	}

	g.logger.Info("gate decision",
		"subject", subject,
		"subject_type", subjectType,
		"verdict", decision.Verdict,
		"level_reached", decision.LevelReached,
	)
	return decision, nil
}

// ListRecent returns recent decisions, newest first.
func (g *Gate) ListRecent(ctx context.Context, limit, offset int) ([]model.GateDecision, error) {
	return g.store.ListGateDecisions(ctx, limit, offset)
}
