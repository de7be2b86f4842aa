package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced clock shared by a registry under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testCfg = Config{
	FailureThreshold: 0.5,
	MinSamples:       4,
	Window:           time.Minute,
	Cooldown:         10 * time.Second,
}

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for range testCfg.MinSamples {
		_ = b.Do(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.Snapshot().State)
}

func TestTripsAtFailureRate(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testCfg, clock.Now).Get("llm")

	// Three failures out of three: below MinSamples, stays closed.
	for range 3 {
		assert.ErrorIs(t, b.Do(context.Background(), failing), errBoom)
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)

	// Fourth failure reaches MinSamples with 100% failure rate.
	_ = b.Do(context.Background(), failing)
	assert.Equal(t, StateOpen, b.Snapshot().State)
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testCfg, clock.Now).Get("llm")

	// 1 failure in 4 calls = 25%, under the 50% threshold.
	_ = b.Do(context.Background(), failing)
	for range 3 {
		require.NoError(t, b.Do(context.Background(), succeeding))
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestOpenFailsFastWithoutInvoking(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testCfg, clock.Now).Get("llm")
	tripBreaker(t, b)

	var invoked atomic.Bool
	err := b.Do(context.Background(), func(context.Context) error {
		invoked.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked.Load(), "open breaker must not invoke the dependency")
	assert.Contains(t, err.Error(), "llm")
}

func TestCooldownAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testCfg, clock.Now).Get("llm")
	tripBreaker(t, b)

	clock.Advance(testCfg.Cooldown)

	// Hold the probe open while other callers arrive.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// Concurrent caller during half_open fails fast (WaitForProbe=false).
	err := b.Do(context.Background(), succeeding)
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, b.Snapshot().ProbeInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testCfg, clock.Now).Get("llm")
	tripBreaker(t, b)

	clock.Advance(testCfg.Cooldown)
	assert.ErrorIs(t, b.Do(context.Background(), failing), errBoom)

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)

	// No further calls admitted until the next cool-down.
	assert.ErrorIs(t, b.Do(context.Background(), succeeding), ErrOpen)
}

func TestWaitForProbeBlocksThenProceeds(t *testing.T) {
	cfg := testCfg
	cfg.WaitForProbe = true
	clock := newFakeClock()
	b := NewRegistryWithClock(cfg, clock.Now).Get("llm")
	tripBreaker(t, b)

	clock.Advance(cfg.Cooldown)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Do(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// The waiter blocks until the probe closes the breaker, then runs.
	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- b.Do(context.Background(), succeeding)
	}()

	select {
	case err := <-waiterDone:
		t.Fatalf("waiter finished before probe resolved: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-waiterDone)
}

func TestWaiterHonorsContextCancellation(t *testing.T) {
	cfg := testCfg
	cfg.WaitForProbe = true
	clock := newFakeClock()
	b := NewRegistryWithClock(cfg, clock.Now).Get("llm")
	tripBreaker(t, b)

	clock.Advance(cfg.Cooldown)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = b.Do(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, succeeding)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSingleProbeUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testCfg, clock.Now).Get("llm")
	tripBreaker(t, b)

	clock.Advance(testCfg.Cooldown)

	var live, maxLive atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(context.Background(), func(context.Context) error {
				n := live.Add(1)
				if n > maxLive.Load() {
					maxLive.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				live.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxLive.Load(), int32(1), "at most one live probe in half_open")
}

func TestWindowExpiryForgetsOldFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testCfg, clock.Now).Get("llm")

	for range 3 {
		_ = b.Do(context.Background(), failing)
	}
	clock.Advance(testCfg.Window + time.Second)

	// Old failures fell out of the window: one more failure is 1/1 but below
	// MinSamples, so the breaker stays closed.
	_ = b.Do(context.Background(), failing)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	r.Get("zeta")
	r.Get("alpha")
	r.Get("mid")

	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "alpha", snaps[0].Key)
	assert.Equal(t, "mid", snaps[1].Key)
	assert.Equal(t, "zeta", snaps[2].Key)
	for _, s := range snaps {
		assert.Equal(t, StateClosed, s.State)
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	assert.Same(t, r.Get("db"), r.Get("db"))
}
