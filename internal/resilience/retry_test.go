package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordingSleeper captures requested delays instead of sleeping.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleeper) total() time.Duration {
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

var errBoom = errors.New("boom")

func TestRetry_SucceedsFirstTry(t *testing.T) {
	rec := &recordingSleeper{}
	calls := 0
	v, err := Retry(context.Background(), RetryPolicy{Sleep: rec.Sleep}, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Retry = %q, %v; want ok, nil", v, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %v, want no sleeps", rec.delays)
	}
}

// TestRetry_BoundAndDelaySum checks the attempt bound and that total delay is
// the sum of min(base*2^i, max) over every failed attempt before the last.
func TestRetry_BoundAndDelaySum(t *testing.T) {
	rec := &recordingSleeper{}
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    3000 * time.Millisecond,
		Sleep:       rec.Sleep,
	}

	calls := 0
	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		return 0, errBoom
	})

	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}

	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 3000 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
	if rec.total() != 6*time.Second {
		t.Errorf("total delay = %v, want 6s", rec.total())
	}
}

func TestRetry_ReturnsLastErrorVerbatim(t *testing.T) {
	rec := &recordingSleeper{}
	errs := []error{errors.New("first"), errors.New("second"), errors.New("last")}
	i := 0
	_, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, Sleep: rec.Sleep}, func(context.Context) (int, error) {
		e := errs[i]
		i++
		return 0, e
	})
	if err != errs[2] {
		t.Errorf("err = %v, want the final error %v", err, errs[2])
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	rec := &recordingSleeper{}
	calls := 0
	v, err := Retry(context.Background(), RetryPolicy{Sleep: rec.Sleep}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transient(errBoom)
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("Retry = %d, %v; want 42, nil", v, err)
	}
	if len(rec.delays) != 2 {
		t.Errorf("sleeps = %d, want 2", len(rec.delays))
	}
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	rec := &recordingSleeper{}
	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{Sleep: rec.Sleep}, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errBoom)
	})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ShouldRetryFalseStops(t *testing.T) {
	rec := &recordingSleeper{}
	calls := 0
	policy := RetryPolicy{
		Sleep:       rec.Sleep,
		ShouldRetry: func(err error) bool { return calls < 2 },
	}
	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		return 0, errBoom
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{BaseDelay: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want errBoom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"plain", errBoom, FailureTransient},
		{"transient", Transient(errBoom), FailureTransient},
		{"permanent", Permanent(errBoom), FailurePermanent},
		{"wrapped permanent", errors.Join(errors.New("ctx"), Permanent(errBoom)), FailurePermanent},
		{"circuit open", ErrCircuitOpen, FailureCircuitOpen},
		{"cancelled", context.Canceled, FailurePermanent},
		{"deadline", context.DeadlineExceeded, FailureTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
