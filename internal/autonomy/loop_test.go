package autonomy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/internal/gate"
	"github.com/regentlabs/regent/internal/model"
)

type scriptedPlanner struct {
	mu    sync.Mutex
	queue []plannerResult
	calls int
}

type plannerResult struct {
	item *WorkItem
	err  error
}

func (p *scriptedPlanner) NextWork(context.Context) (*WorkItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.queue) == 0 {
		return nil, nil
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next.item, next.err
}

func (p *scriptedPlanner) enqueue(item *WorkItem, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, plannerResult{item: item, err: err})
}

func (p *scriptedPlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeStarter struct {
	mu   sync.Mutex
	err  error
	runs []string
}

func (f *fakeStarter) StartRun(_ context.Context, _ model.TriggerSource, workflow string, _ map[string]any) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Run{}, f.err
	}
	f.runs = append(f.runs, workflow)
	return model.Run{ID: uuid.New(), Workflow: workflow, Status: model.RunStatusQueued}, nil
}

func (f *fakeStarter) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type memAudit struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (m *memAudit) AppendAuditEntry(_ context.Context, outcome model.AuditOutcome, detail string, runID *uuid.UUID, metadata map[string]any) (model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := model.AuditEntry{
		ID: uuid.New(), Outcome: outcome, Detail: detail, RunID: runID,
		Metadata: metadata, RecordedAt: time.Now().UTC(),
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *memAudit) ListAuditEntries(_ context.Context, limit, offset int) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Newest first, like the Postgres implementation.
	out := make([]model.AuditEntry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		out = append(out, m.entries[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAudit) outcomes() []model.AuditOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	var outcomes []model.AuditOutcome
	for _, e := range m.entries {
		outcomes = append(outcomes, e.Outcome)
	}
	return outcomes
}

type memDecisionStore struct {
	mu        sync.Mutex
	decisions []model.GateDecision
}

func (m *memDecisionStore) InsertGateDecision(_ context.Context, d model.GateDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memDecisionStore) ListGateDecisions(context.Context, int, int) ([]model.GateDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.GateDecision(nil), m.decisions...), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testQueue(t *testing.T) *Queue {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, "test:autonomy:queue")
}

func admittedItem() *WorkItem {
	return &WorkItem{
		Workflow:    "deploy",
		Subject:     "roll-out-config",
		SubjectType: "action",
		Input: map[string]any{
			"goal":               "ship",
			"active_goals":       []string{"ship"},
			"impact":             0.1,
			"reversible":         true,
			"measurement_window": "24h",
		},
	}
}

func newLoop(t *testing.T, planner Planner, starter RunStarter, queue WorkQueue, threshold int) (*Loop, *memAudit) {
	t.Helper()
	audit := &memAudit{}
	g := gate.New(&memDecisionStore{}, testLogger(), gate.DefaultThresholds)
	return New(planner, starter, g, queue, audit, threshold, testLogger()), audit
}

func TestQueueFIFO(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, WorkItem{Subject: "first"}))
	require.NoError(t, q.Push(ctx, WorkItem{Subject: "second"}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	item, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "first", item.Subject)

	item, err = q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "second", item.Subject)

	item, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, item, "empty queue pops nil, not an error")
}

func TestQueueClear(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	for range 3 {
		require.NoError(t, q.Push(ctx, WorkItem{Subject: "queued"}))
	}

	dropped, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), dropped)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestTickStartsAdmittedRun(t *testing.T) {
	planner := &scriptedPlanner{}
	planner.enqueue(admittedItem(), nil)
	starter := &fakeStarter{}
	loop, audit := newLoop(t, planner, starter, nil, 5)

	loop.Tick(context.Background())

	assert.Equal(t, 1, starter.started())
	assert.Equal(t, []model.AuditOutcome{model.AuditWorkFound, model.AuditRunStarted}, audit.outcomes())
	assert.Equal(t, model.AutonomyRunning, loop.Status(context.Background()).Status)
}

func TestTickRecordsNoWork(t *testing.T) {
	planner := &scriptedPlanner{}
	starter := &fakeStarter{}
	loop, audit := newLoop(t, planner, starter, nil, 5)

	loop.Tick(context.Background())

	assert.Zero(t, starter.started())
	assert.Equal(t, []model.AuditOutcome{model.AuditNoWork}, audit.outcomes())
}

func TestGateDenialIsNotALoopFailure(t *testing.T) {
	planner := &scriptedPlanner{}
	item := admittedItem()
	item.Input["goal"] = "unsanctioned"
	planner.enqueue(item, nil)
	starter := &fakeStarter{}
	loop, audit := newLoop(t, planner, starter, nil, 5)

	loop.Tick(context.Background())

	assert.Zero(t, starter.started(), "denied work never reaches the engine")
	outcomes := audit.outcomes()
	assert.Contains(t, outcomes, model.AuditGateDenied)
	state := loop.Status(context.Background())
	assert.Equal(t, model.AutonomyRunning, state.Status)
	assert.Zero(t, state.ConsecutiveErrors)
}

func TestErrorThresholdForcesPause(t *testing.T) {
	// Six ticks: success on tick 1, failures on ticks 2-6 with threshold 5.
	// After tick 6 the loop is paused and tick 7 never consults the planner.
	planner := &scriptedPlanner{}
	planner.enqueue(admittedItem(), nil)
	for range 5 {
		planner.enqueue(nil, errors.New("planner offline"))
	}
	starter := &fakeStarter{}
	loop, _ := newLoop(t, planner, starter, nil, 5)

	for range 6 {
		loop.Tick(context.Background())
	}

	state := loop.Status(context.Background())
	assert.Equal(t, model.AutonomyPaused, state.Status)
	assert.Equal(t, model.PauseErrorThreshold, state.PauseReason)
	assert.Equal(t, 5, state.ConsecutiveErrors)

	callsBefore := planner.callCount()
	loop.Tick(context.Background()) // tick 7
	assert.Equal(t, callsBefore, planner.callCount(), "paused loop must not poll the planner")
}

func TestRunStartFailuresForcePause(t *testing.T) {
	// The planner keeps finding work but every run fails to start. The
	// streak must grow to the threshold even though each tick audits a
	// work_found entry on the way to the failure.
	planner := &scriptedPlanner{}
	for range 5 {
		planner.enqueue(admittedItem(), nil)
	}
	starter := &fakeStarter{err: errors.New("engine rejects everything")}
	loop, audit := newLoop(t, planner, starter, nil, 5)

	for range 5 {
		loop.Tick(context.Background())
	}

	state := loop.Status(context.Background())
	assert.Equal(t, model.AutonomyPaused, state.Status)
	assert.Equal(t, model.PauseErrorThreshold, state.PauseReason)
	assert.Equal(t, 5, state.ConsecutiveErrors)
	assert.Zero(t, starter.started())
	assert.Contains(t, audit.outcomes(), model.AuditWorkFound)
}

func TestSuccessResetsConsecutiveErrors(t *testing.T) {
	planner := &scriptedPlanner{}
	planner.enqueue(nil, errors.New("blip"))
	planner.enqueue(nil, errors.New("blip"))
	planner.enqueue(admittedItem(), nil)
	starter := &fakeStarter{}
	loop, _ := newLoop(t, planner, starter, nil, 5)

	for range 3 {
		loop.Tick(context.Background())
	}

	state := loop.Status(context.Background())
	assert.Equal(t, model.AutonomyRunning, state.Status)
	assert.Zero(t, state.ConsecutiveErrors)
}

func TestResumeResetsCounterAndState(t *testing.T) {
	planner := &scriptedPlanner{}
	for range 5 {
		planner.enqueue(nil, errors.New("down"))
	}
	starter := &fakeStarter{}
	loop, audit := newLoop(t, planner, starter, nil, 5)

	for range 5 {
		loop.Tick(context.Background())
	}
	require.Equal(t, model.AutonomyPaused, loop.Status(context.Background()).Status)

	loop.Resume(context.Background())

	state := loop.Status(context.Background())
	assert.Equal(t, model.AutonomyRunning, state.Status)
	assert.Equal(t, model.PauseNone, state.PauseReason)
	assert.Zero(t, state.ConsecutiveErrors)
	assert.Contains(t, audit.outcomes(), model.AuditResumed)
}

func TestCreditExhaustionPauses(t *testing.T) {
	planner := &scriptedPlanner{}
	planner.enqueue(nil, model.ErrCreditExhausted)
	starter := &fakeStarter{}
	loop, _ := newLoop(t, planner, starter, nil, 5)

	loop.Tick(context.Background())

	state := loop.Status(context.Background())
	assert.Equal(t, model.AutonomyPaused, state.Status)
	assert.Equal(t, model.PauseCreditExhausted, state.PauseReason)
}

func TestManualPauseBlocksTicks(t *testing.T) {
	planner := &scriptedPlanner{}
	starter := &fakeStarter{}
	loop, audit := newLoop(t, planner, starter, nil, 5)

	loop.Pause(context.Background(), model.PauseManual)
	loop.Tick(context.Background())

	assert.Zero(t, planner.callCount())
	assert.Equal(t, []model.AuditOutcome{model.AuditPaused}, audit.outcomes())
}

func TestLoopPrefersQueueOverPlanner(t *testing.T) {
	planner := &scriptedPlanner{}
	starter := &fakeStarter{}
	q := testQueue(t)
	require.NoError(t, q.Push(context.Background(), *admittedItem()))
	loop, _ := newLoop(t, planner, starter, q, 5)

	loop.Tick(context.Background())

	assert.Equal(t, 1, starter.started())
	assert.Zero(t, planner.callCount(), "queued work is consumed before polling the planner")
}

func TestEnqueueFeedsNextTick(t *testing.T) {
	planner := &scriptedPlanner{}
	starter := &fakeStarter{}
	q := testQueue(t)
	loop, _ := newLoop(t, planner, starter, q, 5)
	ctx := context.Background()

	require.NoError(t, loop.Enqueue(ctx, *admittedItem()))
	assert.Equal(t, int64(1), loop.Status(ctx).QueueDepth)

	loop.Tick(ctx)

	assert.Equal(t, 1, starter.started())
	assert.Zero(t, planner.callCount(), "enqueued work is consumed before polling the planner")
	assert.Zero(t, loop.Status(ctx).QueueDepth)
}

func TestEnqueueWithoutQueue(t *testing.T) {
	planner := &scriptedPlanner{}
	starter := &fakeStarter{}
	loop, _ := newLoop(t, planner, starter, nil, 5)

	err := loop.Enqueue(context.Background(), *admittedItem())
	require.ErrorIs(t, err, ErrNoQueue)
}

func TestClearQueueDropsQueuedWorkOnly(t *testing.T) {
	planner := &scriptedPlanner{}
	starter := &fakeStarter{}
	q := testQueue(t)
	ctx := context.Background()
	for range 4 {
		require.NoError(t, q.Push(ctx, *admittedItem()))
	}
	loop, audit := newLoop(t, planner, starter, q, 5)

	// One item in flight before the clear.
	loop.Tick(ctx)
	require.Equal(t, 1, starter.started())

	dropped, err := loop.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), dropped)
	assert.Equal(t, 1, starter.started(), "in-flight runs are untouched")
	assert.Contains(t, audit.outcomes(), model.AuditQueueCleared)

	assert.Zero(t, loop.Status(ctx).QueueDepth)
}

func TestAuditIsPagedNewestFirst(t *testing.T) {
	planner := &scriptedPlanner{}
	starter := &fakeStarter{}
	loop, _ := newLoop(t, planner, starter, nil, 5)

	for range 5 {
		loop.Tick(context.Background()) // no_work each time
	}

	page, err := loop.Audit(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := loop.Audit(context.Background(), 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}
