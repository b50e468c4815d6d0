package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Phase is the breaker's position in its closed/open/half-open cycle.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*p = PhaseClosed
	case "open":
		*p = PhaseOpen
	case "half_open":
		*p = PhaseHalfOpen
	default:
		return fmt.Errorf("unknown breaker phase %q", text)
	}
	return nil
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// BreakerConfig tunes when a breaker opens and how long it stays open.
// Zero fields take the defaults: 5 failures, 60s recovery.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	return c
}

// State is a snapshot of one breaker.
type State struct {
	Name                string    `json:"name"`
	Phase               Phase     `json:"phase"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// Breaker stops calling a failing operation for a cooldown period and
// substitutes a fallback value meanwhile. Safe for concurrent use.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	clock Clock

	mu            sync.Mutex
	state         State
	trialInFlight bool
	// generation increments on every phase change. Outcomes of calls
	// admitted under an older generation are ignored.
	generation uint64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return NewBreakerWithClock(name, cfg, realClock{})
}

// NewBreakerWithClock creates a closed breaker with a custom clock (for testing).
func NewBreakerWithClock(name string, cfg BreakerConfig, clock Clock) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		clock: clock,
		state: State{Name: name, Phase: PhaseClosed},
	}
}

// Name returns the key the breaker was created for.
func (b *Breaker) Name() string { return b.name }

// State returns a snapshot of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ticket identifies an admitted call: the generation it was admitted in,
// and whether it is the half-open trial.
type ticket struct {
	generation uint64
	trial      bool
}

// setPhase must be called with mu held.
func (b *Breaker) setPhase(p Phase) {
	b.state.Phase = p
	b.generation++
}

// admit decides whether a call may run.
func (b *Breaker) admit() (ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state.Phase {
	case PhaseOpen:
		if b.clock.Now().Sub(b.state.LastFailureAt) <= b.cfg.RecoveryTimeout {
			return ticket{}, false
		}
		b.setPhase(PhaseHalfOpen)
		b.trialInFlight = true
		return ticket{generation: b.generation, trial: true}, true
	case PhaseHalfOpen:
		if b.trialInFlight {
			return ticket{}, false
		}
		b.trialInFlight = true
		return ticket{generation: b.generation, trial: true}, true
	default:
		return ticket{generation: b.generation}, true
	}
}

// current reports whether t was issued in the present phase. Must be
// called with mu held.
func (b *Breaker) current(t ticket) bool {
	return t.generation == b.generation
}

func (b *Breaker) recordSuccess(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.current(t) {
		return
	}
	b.state.ConsecutiveFailures = 0
	if t.trial {
		b.trialInFlight = false
		b.setPhase(PhaseClosed)
	}
}

func (b *Breaker) recordFailure(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.current(t) {
		return
	}
	b.state.ConsecutiveFailures++
	b.state.LastFailureAt = b.clock.Now()
	if t.trial {
		b.trialInFlight = false
		b.setPhase(PhaseOpen)
		return
	}
	if b.state.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.setPhase(PhaseOpen)
	}
}

// releaseTrial gives the half-open trial slot back without recording an
// outcome, used when the caller cancelled mid-trial.
func (b *Breaker) releaseTrial(t ticket) {
	if !t.trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current(t) {
		b.trialInFlight = false
	}
}

// Result is what a guarded call resolves to. Degraded is set whenever Value
// came from the fallback, and Cause carries the failure that triggered it.
type Result[T any] struct {
	Value    T
	Degraded bool
	Cause    error
}

// Kind classifies the failure behind a degraded result.
func (r Result[T]) Kind() FailureKind {
	return Classify(r.Cause)
}

// Execute runs op under the breaker. It never fails: when op fails or the
// breaker is open, fallback supplies the value and the result is marked degraded.
func Execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, cause error) T) Result[T] {
	return execute(ctx, b, func(ctx context.Context, _ bool) (T, error) { return op(ctx) }, fallback)
}

func execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context, trial bool) (T, error), fallback func(ctx context.Context, cause error) T) Result[T] {
	t, allowed := b.admit()
	if !allowed {
		return Result[T]{Value: fallback(ctx, ErrCircuitOpen), Degraded: true, Cause: ErrCircuitOpen}
	}

	v, err := op(ctx, t.trial)
	if err != nil {
		// A caller that went away says nothing about upstream health.
		if ctx.Err() == context.Canceled {
			b.releaseTrial(t)
		} else {
			b.recordFailure(t)
		}
		return Result[T]{Value: fallback(ctx, err), Degraded: true, Cause: err}
	}

	b.recordSuccess(t)
	return Result[T]{Value: v}
}
