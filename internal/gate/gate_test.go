package gate

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/internal/model"
)

// memDecisionStore records decisions in memory for assertions.
type memDecisionStore struct {
	decisions []model.GateDecision
	failNext  error
}

func (m *memDecisionStore) InsertGateDecision(_ context.Context, d model.GateDecision) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memDecisionStore) ListGateDecisions(_ context.Context, limit, offset int) ([]model.GateDecision, error) {
	if offset >= len(m.decisions) {
		return nil, nil
	}
	end := min(offset+limit, len(m.decisions))
	return m.decisions[offset:end], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// admittable passes every level of the default ladder.
func admittable() Context {
	return Context{
		Goal:              "reduce-backlog",
		ActiveGoals:       []string{"reduce-backlog", "improve-quality"},
		Impact:            0.3,
		Sensitivity:       0.1,
		EstimatedCost:     10,
		Reversible:        true,
		MeasurementWindow: 24 * time.Hour,
	}
}

func TestEvaluateAdmitsWhenAllLevelsPass(t *testing.T) {
	store := &memDecisionStore{}
	g := New(store, testLogger(), DefaultThresholds)

	d, err := g.Evaluate(context.Background(), "act-1", "action", admittable())
	require.NoError(t, err)

	assert.Equal(t, model.VerdictAdmit, d.Verdict)
	assert.Equal(t, 7, d.LevelReached)
	require.Len(t, d.Levels, 7)
	for _, lv := range d.Levels {
		assert.True(t, lv.Passed, "level %s should pass", lv.Name)
	}
	require.Len(t, store.decisions, 1)
}

func TestEvaluateStopsAtFirstFailure(t *testing.T) {
	store := &memDecisionStore{}
	g := New(store, testLogger(), DefaultThresholds)

	gctx := admittable()
	gctx.Sensitivity = 0.9 // fails level 3, which is escalatable

	d, err := g.Evaluate(context.Background(), "act-2", "action", gctx)
	require.NoError(t, err)

	assert.Equal(t, model.VerdictEscalate, d.Verdict)
	assert.Equal(t, 3, d.LevelReached)
	require.Len(t, d.Levels, 3, "levels 4-7 must not be evaluated")
	assert.True(t, d.Levels[0].Passed)
	assert.True(t, d.Levels[1].Passed)
	assert.False(t, d.Levels[2].Passed)
}

func TestEvaluateDeniesNonEscalatableFailure(t *testing.T) {
	store := &memDecisionStore{}
	g := New(store, testLogger(), DefaultThresholds)

	gctx := admittable()
	gctx.Goal = "world-domination" // not in active hierarchy; level 1 is not escalatable

	d, err := g.Evaluate(context.Background(), "act-3", "action", gctx)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDeny, d.Verdict)
	assert.Equal(t, 1, d.LevelReached)
}

func TestCapabilityReuseDenies(t *testing.T) {
	store := &memDecisionStore{}
	g := New(store, testLogger(), DefaultThresholds)

	gctx := admittable()
	gctx.SpawnsCapability = true
	gctx.ExistingCapability = true

	d, err := g.Evaluate(context.Background(), "cap-1", "capability", gctx)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDeny, d.Verdict)
	assert.Equal(t, 4, d.LevelReached)
}

func TestMeasurabilityRequiresWindow(t *testing.T) {
	store := &memDecisionStore{}
	g := New(store, testLogger(), DefaultThresholds)

	gctx := admittable()
	gctx.MeasurementWindow = 0

	d, err := g.Evaluate(context.Background(), "act-4", "action", gctx)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDeny, d.Verdict)
	assert.Equal(t, 7, d.LevelReached)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	store := &memDecisionStore{}
	g := New(store, testLogger(), DefaultThresholds).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) })

	gctx := admittable()
	gctx.Impact = 0.9

	first, err := g.Evaluate(context.Background(), "act-5", "action", gctx)
	require.NoError(t, err)
	for range 10 {
		d, err := g.Evaluate(context.Background(), "act-5", "action", gctx)
		require.NoError(t, err)
		assert.Equal(t, first.Verdict, d.Verdict)
		assert.Equal(t, first.LevelReached, d.LevelReached)
		assert.Equal(t, first.Levels, d.Levels)
	}
}

func TestPerSubjectTypeLadderOverride(t *testing.T) {
	store := &memDecisionStore{}
	// Low-risk subject type gets a two-level ladder instead of the full seven.
	short := Ladder{
		DefaultLadder(DefaultThresholds)[0],
		DefaultLadder(DefaultThresholds)[6],
	}
	g := New(store, testLogger(), DefaultThresholds).WithLadder("query", short)

	d, err := g.Evaluate(context.Background(), "q-1", "query", admittable())
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAdmit, d.Verdict)
	assert.Equal(t, 2, d.LevelReached)

	// Other subject types still walk the default ladder.
	d, err = g.Evaluate(context.Background(), "act-6", "action", admittable())
	require.NoError(t, err)
	assert.Equal(t, 7, d.LevelReached)
}

func TestStorageFailureFailsEvaluation(t *testing.T) {
	store := &memDecisionStore{failNext: assert.AnError}
	g := New(store, testLogger(), DefaultThresholds)

	_, err := g.Evaluate(context.Background(), "act-7", "action", admittable())
	assert.Error(t, err, "an unrecorded decision must not be returned")
}

func TestListRecent(t *testing.T) {
	store := &memDecisionStore{}
	g := New(store, testLogger(), DefaultThresholds)

	for range 3 {
		_, err := g.Evaluate(context.Background(), "act", "action", admittable())
		require.NoError(t, err)
	}

	ds, err := g.ListRecent(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}
