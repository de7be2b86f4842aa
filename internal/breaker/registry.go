package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one breaker per dependency key, created lazily on first
// call. It is process-scoped state passed by handle into every component
// that makes external calls — never accessed through a package global — so
// tests can instantiate isolated registries.
type Registry struct {
	cfg   Config
	clock func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return NewRegistryWithClock(cfg, time.Now)
}

// NewRegistryWithClock is NewRegistry with an injected clock for tests.
func NewRegistryWithClock(cfg Config, clock func() time.Time) *Registry {
	return &Registry{
		cfg:      cfg,
		clock:    clock,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it closed on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(key, r.cfg, r.clock)
		r.breakers[key] = b
	}
	return b
}

// Snapshots returns the current state of every breaker, sorted by key.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}
