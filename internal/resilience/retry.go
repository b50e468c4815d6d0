package resilience

import (
	"context"
	"log/slog"
	"math"
	"time"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 10 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy bounds how often and how patiently an operation is retried.
// Zero fields take the defaults: 4 attempts, 1s base delay, 10s cap.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// ShouldRetry decides whether a failure is worth another attempt.
	// nil retries everything not classified permanent.
	ShouldRetry func(error) bool

	// Sleep replaces SleepContext (for testing).
	Sleep Sleeper
}

// DefaultRetryPolicy returns the policy with all defaults applied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = func(err error) bool { return !IsPermanent(err) }
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	return p
}

// Backoff returns the delay after the failed attempt with the given 0-based
// index: min(BaseDelay * 2^attempt, MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retry runs op until it succeeds, the policy gives up, or ctx is done.
// Intermediate failures are dropped; the last one is returned unchanged.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt+1 >= p.MaxAttempts || !p.ShouldRetry(err) {
			return zero, err
		}

		delay := p.Backoff(attempt)
		slog.Debug("retrying after failure", "attempt", attempt+1, "delay", delay, "error", err)
		if sleepErr := p.Sleep(ctx, delay); sleepErr != nil {
			return zero, err
		}
	}
}
