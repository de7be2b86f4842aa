package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/internal/model"
	"github.com/regentlabs/regent/internal/storage"
	"github.com/regentlabs/regent/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "deploy", model.TriggerOperator, map[string]any{"env": "staging"})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, 0, run.StepCursor)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "deploy", got.Workflow)
	assert.Equal(t, "staging", got.Input["env"])

	_, err = testDB.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionRunIsConditional(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "deploy", model.TriggerOperator, nil)
	require.NoError(t, err)

	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusQueued, model.RunStatusRunning, nil))

	// Second transition from queued loses: the run is already running.
	err = testDB.TransitionRun(ctx, run.ID, model.RunStatusQueued, model.RunStatusRunning, nil)
	assert.ErrorIs(t, err, storage.ErrConcurrentModification)

	reason := "boom"
	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusFailed, &reason))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.FailReason)
	assert.Equal(t, "boom", *got.FailReason)
	assert.NotNil(t, got.CompletedAt)
}

func TestAdvanceRunCursorRequiresRunning(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "deploy", model.TriggerOperator, nil)
	require.NoError(t, err)

	err = testDB.AdvanceRunCursor(ctx, run.ID, 1)
	assert.ErrorIs(t, err, storage.ErrConcurrentModification)

	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusQueued, model.RunStatusRunning, nil))
	require.NoError(t, testDB.AdvanceRunCursor(ctx, run.ID, 1))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StepCursor)
}

func TestCancelRunLeavesTerminalRunsAlone(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "deploy", model.TriggerOperator, nil)
	require.NoError(t, err)

	require.NoError(t, testDB.CancelRun(ctx, run.ID, "superseded"))

	err = testDB.CancelRun(ctx, run.ID, "again")
	assert.ErrorIs(t, err, storage.ErrConcurrentModification)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	require.NotNil(t, got.FailReason)
	assert.Equal(t, "superseded", *got.FailReason)
}

func TestStepEventSequenceIsGapless(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "deploy", model.TriggerOperator, nil)
	require.NoError(t, err)

	// Concurrent appenders contend for the next sequence number. The
	// row-locked allocation plus the unique constraint must produce a
	// strictly gapless 1..N sequence regardless of interleaving.
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testDB.AppendStepEvent(ctx, run.ID, "plan", model.StepOutcomeRetried, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := testDB.GetEventsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, writers)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNum)
	}
}

func TestAppendStepEventBumpsProgress(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "deploy", model.TriggerOperator, nil)
	require.NoError(t, err)

	before, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = testDB.AppendStepEvent(ctx, run.ID, "plan", model.StepOutcomeSucceeded, map[string]any{"out": "ok"})
	require.NoError(t, err)

	after, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, after.LastProgressAt.After(before.LastProgressAt))
}

func TestOnePendingTicketPerRun(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "sensitive", model.TriggerOperator, nil)
	require.NoError(t, err)

	ticket, err := testDB.CreateTicket(ctx, &run.ID, "approve-export", model.RiskHigh, "export 12k records?", false)
	require.NoError(t, err)
	assert.Equal(t, model.TicketPending, ticket.Status)

	_, err = testDB.CreateTicket(ctx, &run.ID, "approve-export", model.RiskHigh, "again?", false)
	assert.ErrorIs(t, err, storage.ErrPendingTicketExists)

	// Resolving frees the slot.
	_, err = testDB.ResolveTicket(ctx, ticket.ID, model.TicketApproved, "operator@example.com", map[string]any{"note": "go"})
	require.NoError(t, err)

	second, err := testDB.CreateTicket(ctx, &run.ID, "approve-export", model.RiskHigh, "second round", true)
	require.NoError(t, err)

	// The escalation flag survives the round trip.
	got, err := testDB.GetTicket(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, got.Escalation)
	assert.False(t, ticket.Escalation)
}

func TestResolveTicketIsSingleShot(t *testing.T) {
	ctx := context.Background()

	ticket, err := testDB.CreateTicket(ctx, nil, "", model.RiskMedium, "standalone question", false)
	require.NoError(t, err)

	resolved, err := testDB.ResolveTicket(ctx, ticket.ID, model.TicketRejected, "operator@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, model.TicketRejected, resolved.Status)
	require.NotNil(t, resolved.DecidedBy)
	assert.Equal(t, "operator@example.com", *resolved.DecidedBy)

	_, err = testDB.ResolveTicket(ctx, ticket.ID, model.TicketApproved, "someone-else", nil)
	assert.ErrorIs(t, err, storage.ErrConcurrentModification)
}

func TestExpireStaleTickets(t *testing.T) {
	ctx := context.Background()

	ticket, err := testDB.CreateTicket(ctx, nil, "", model.RiskLow, "will go stale", false)
	require.NoError(t, err)

	expired, err := testDB.ExpireStaleTickets(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	var found bool
	for _, t2 := range expired {
		if t2.ID == ticket.ID {
			found = true
			assert.Equal(t, model.TicketExpired, t2.Status)
		}
	}
	assert.True(t, found)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()

	def := model.JobDefinition{
		ID:          "storage-test-job",
		Schedule:    "*/5 * * * *",
		Handler:     "health.heartbeat",
		MaxAttempts: 3,
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertJob(ctx, def))
	assert.ErrorIs(t, testDB.InsertJob(ctx, def), storage.ErrDuplicateJob)

	require.NoError(t, testDB.SetJobEnabled(ctx, def.ID, false))
	got, err := testDB.GetJob(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, testDB.SetJobEnabled(ctx, "no-such-job", true), storage.ErrNotFound)
}

func TestExecutionAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()

	def := model.JobDefinition{
		ID: "storage-acquire-job", Schedule: "* * * * *", Handler: "health.heartbeat",
		MaxAttempts: 3, Enabled: true, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertJob(ctx, def))

	exec, err := testDB.CreateExecution(ctx, def.ID, 1, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionPending, exec.Status)

	require.NoError(t, testDB.AcquireExecution(ctx, exec.ID))
	assert.ErrorIs(t, testDB.AcquireExecution(ctx, exec.ID), storage.ErrConcurrentModification)

	require.NoError(t, testDB.CompleteExecution(ctx, exec.ID, model.ExecutionSucceeded, nil))
	got, err := testDB.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSucceeded, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestDeadLetterAndReplay(t *testing.T) {
	ctx := context.Background()

	def := model.JobDefinition{
		ID: "storage-dlq-job", Schedule: "* * * * *", Handler: "health.heartbeat",
		MaxAttempts: 1, Enabled: true, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertJob(ctx, def))

	exec, err := testDB.CreateExecution(ctx, def.ID, 1, time.Now().UTC())
	require.NoError(t, err)

	entry, err := testDB.DeadLetterExecution(ctx, exec.ID, def.ID, "handler exploded")
	require.NoError(t, err)
	assert.Equal(t, def.ID, entry.JobID)

	entries, err := testDB.ListDLQ(ctx)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.ID == entry.ID {
			found = true
		}
	}
	assert.True(t, found)

	replayed, err := testDB.ReplayDLQEntry(ctx, entry.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, def.ID, replayed.JobID)
	assert.Equal(t, model.ExecutionPending, replayed.Status)
	assert.Equal(t, 1, replayed.Attempt)

	// Replay consumes the entry.
	_, err = testDB.ReplayDLQEntry(ctx, entry.ID, time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPruneTerminalRunsCascades(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "deploy", model.TriggerScheduler, nil)
	require.NoError(t, err)
	_, err = testDB.AppendStepEvent(ctx, run.ID, "plan", model.StepOutcomeSucceeded, nil)
	require.NoError(t, err)
	require.NoError(t, testDB.CancelRun(ctx, run.ID, "test cleanup"))

	n, err := testDB.PruneTerminalRuns(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = testDB.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events, err := testDB.GetEventsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuditLogAppendAndList(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.AppendAuditEntry(ctx, model.AuditPaused, "manual pause", nil, map[string]any{"by": "operator"})
	require.NoError(t, err)
	entry, err := testDB.AppendAuditEntry(ctx, model.AuditResumed, "resumed", nil, nil)
	require.NoError(t, err)

	entries, err := testDB.ListAuditEntries(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	// Newest first.
	assert.Equal(t, entry.ID, entries[0].ID)
}

func TestRunStatsGroupsByStatus(t *testing.T) {
	ctx := context.Background()

	since := time.Now().UTC().Add(-time.Minute)
	run, err := testDB.CreateRun(ctx, "stats-wf", model.TriggerAutonomy, nil)
	require.NoError(t, err)
	require.NoError(t, testDB.CancelRun(ctx, run.ID, "stats"))

	stats, err := testDB.RunStats(ctx, since)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats["cancelled"], int64(1))
}
