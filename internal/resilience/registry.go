package resilience

import (
	"context"
	"sort"
	"sync"
)

// Registry holds one breaker per operation key so unrelated upstream calls
// never trip each other.
type Registry struct {
	cfg   BreakerConfig
	clock Clock

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers share cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return NewRegistryWithClock(cfg, realClock{})
}

// NewRegistryWithClock creates a Registry with a custom clock (for testing).
func NewRegistryWithClock(cfg BreakerConfig, clock Clock) *Registry {
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
		b = NewBreakerWithClock(key, r.cfg, r.clock)
		r.breakers[key] = b
	}
	return b
}

// Snapshot returns the state of every known breaker, sorted by key.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	states := make([]State, len(list))
	for i, b := range list {
		states[i] = b.State()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// Guard combines the breaker registry with a retry policy.
type Guard struct {
	Breakers *Registry
	Policy   RetryPolicy
}

// NewGuard creates a Guard.
func NewGuard(breakers *Registry, policy RetryPolicy) *Guard {
	return &Guard{Breakers: breakers, Policy: policy}
}

// Do runs op under the breaker registered for key. While the breaker is
// closed, op runs through the retry policy and only the final failure counts
// against the breaker. A half-open trial is a single attempt.
func Do[T any](ctx context.Context, g *Guard, key string, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, cause error) T) Result[T] {
	b := g.Breakers.Get(key)
	return execute(ctx, b, func(ctx context.Context, trial bool) (T, error) {
		if trial {
			return op(ctx)
		}
		return Retry(ctx, g.Policy, op)
	}, fallback)
}
