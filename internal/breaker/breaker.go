// Package breaker implements per-dependency circuit breakers.
//
// Every external call the scheduler, Tower, or autonomy loop makes goes
// through a Breaker keyed by dependency. A breaker trips open when the
// failure rate inside a rolling window crosses the configured threshold,
// fails all calls fast while open, and after a cool-down admits exactly one
// probe call to decide whether to close again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position for one dependency.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without invoking the dependency while the breaker is
// open (or while a half-open probe is already in flight and the breaker is
// configured to fail fast). Callers distinguish it from dependency errors
// with errors.Is.
var ErrOpen = errors.New("breaker: open")

// Config tunes one breaker. The zero value is unusable; use DefaultConfig.
type Config struct {
	// FailureThreshold is the failure rate in [0,1] that trips the breaker.
	FailureThreshold float64
	// MinSamples is the minimum number of calls inside the window before the
	// rate is considered meaningful.
	MinSamples int
	// Window is the rolling observation window.
	Window time.Duration
	// Cooldown is how long the breaker stays open before permitting a probe.
	Cooldown time.Duration
	// WaitForProbe controls concurrent callers during half_open: when true
	// they block until the probe resolves, when false they fail fast with
	// ErrOpen.
	WaitForProbe bool
}

// DefaultConfig trips at 50% failures over at least 5 calls in 30s, with a
// 15s cool-down and fail-fast half-open behavior.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		MinSamples:       5,
		Window:           30 * time.Second,
		Cooldown:         15 * time.Second,
		WaitForProbe:     false,
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker guards a single dependency. All state is mutated under one mutex
// so concurrent failures cannot double-count and at most one probe runs in
// half_open.
type Breaker struct {
	key   string
	cfg   Config
	clock func() time.Time

	mu            sync.Mutex
	state         State
	window        []outcome
	openedAt      time.Time
	probeInFlight bool
	probeDone     chan struct{}
}

func newBreaker(key string, cfg Config, clock func() time.Time) *Breaker {
	return &Breaker{
		key:   key,
		cfg:   cfg,
		clock: clock,
		state: StateClosed,
	}
}

// Do invokes fn through the breaker. While open it returns ErrOpen without
// calling fn. The fn error is returned unchanged so callers can still
// classify it as transient or fatal.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	for {
		probe, wait, err := b.admit()
		if err != nil {
			return err
		}
		if wait != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
				continue // probe resolved; re-evaluate state
			}
		}

		callErr := fn(ctx)
		b.record(probe, callErr == nil)
		return callErr
	}
}

// admit decides whether a call may proceed. It returns (isProbe, nil, nil)
// to proceed, (false, ch, nil) to wait for the in-flight probe, or an error
// to fail fast.
func (b *Breaker) admit() (bool, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.prune(now)

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return false, nil, fmt.Errorf("%s: %w", b.key, ErrOpen)
		}
		// Cool-down elapsed: this caller becomes the probe.
		b.state = StateHalfOpen
		b.probeInFlight = true
		b.probeDone = make(chan struct{})
		return true, nil, nil

	case StateHalfOpen:
		if b.probeInFlight {
			if b.cfg.WaitForProbe {
				return false, b.probeDone, nil
			}
			return false, nil, fmt.Errorf("%s: %w", b.key, ErrOpen)
		}
		// A previous probe failed and re-opened, or resolved while we waited;
		// half_open without an in-flight probe only occurs transiently, take
		// the probe slot.
		b.probeInFlight = true
		b.probeDone = make(chan struct{})
		return true, nil, nil

	default: // closed
		return false, nil, nil
	}
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()

	if probe {
		b.probeInFlight = false
		close(b.probeDone)
		if ok {
			b.state = StateClosed
			b.window = nil
		} else {
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	if b.state != StateClosed {
		// A call admitted under closed finished after a trip; its outcome no
		// longer influences the open/half_open decision.
		return
	}

	b.window = append(b.window, outcome{at: now, ok: ok})
	b.prune(now)

	total := len(b.window)
	if total < b.cfg.MinSamples {
		return
	}
	failures := 0
	for _, o := range b.window {
		if !o.ok {
			failures++
		}
	}
	if float64(failures)/float64(total) >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.window = nil
	}
}

// prune drops outcomes older than the window. Caller holds the mutex.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// Snapshot is a point-in-time view of one breaker for operator visibility.
type Snapshot struct {
	Key           string     `json:"key"`
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"`
	WindowSamples int        `json:"window_samples"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	ProbeInFlight bool       `json:"probe_in_flight"`
}

// Snapshot returns the breaker's current state without mutating it.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Key:           b.key,
		State:         b.state,
		WindowSamples: len(b.window),
		ProbeInFlight: b.probeInFlight,
	}
	for _, o := range b.window {
		if !o.ok {
			s.FailureCount++
		}
	}
	if b.state != StateClosed {
		opened := b.openedAt
		s.OpenedAt = &opened
	}
	return s
}

// IsOpen reports whether err originated from an open breaker. Transient for
// retry purposes: the dependency may recover after the cool-down.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
