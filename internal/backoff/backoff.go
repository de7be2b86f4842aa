// Package backoff computes retry delays and attempt budgets for the
// scheduler and the Tower step loop.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes an attempt budget with jittered exponential backoff.
// The zero value is not usable; construct with sensible fields and call
// Validate once at registration time.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter adds up to this fraction of the computed delay. 0 disables it.
	Jitter float64
}

// Default is the policy applied when a job or step declares no budget.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    5 * time.Minute,
	Multiplier:  2.0,
	Jitter:      0.2,
}

// Validate checks the policy's invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("backoff: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("backoff: base delay must be positive, got %s", p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("backoff: multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("backoff: jitter must be in [0,1], got %g", p.Jitter)
	}
	return nil
}

// Exhausted reports whether the given attempt count has used up the budget.
// Attempts are 1-based: Exhausted(1) is false for any valid policy.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the wait before the next attempt after `attempt` failures.
// The result grows geometrically from BaseDelay, capped at MaxDelay, with
// up to Jitter fraction of random spread added on top.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for range attempt - 1 {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d += rand.Float64() * p.Jitter * d //nolint:gosec // jitter doesn't need crypto-strength randomness
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
