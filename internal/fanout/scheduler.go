package fanout

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultBatchDelay = time.Second

// BatchConfig controls how RunBatches paces work.
type BatchConfig struct {
	// Size is the number of items run concurrently. <= 0 runs everything
	// in one batch.
	Size int
	// Delay is the pause between batches. Negative disables it.
	Delay time.Duration
	// OnBatch, when set, is called as each batch starts.
	OnBatch func(index, total, size int)
	// Sleep replaces the context-aware timer (for testing).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Settled is the outcome of one item: either Value or Err.
type Settled[R any] struct {
	Value R
	Err   error
}

// Partition splits n items into consecutive batch sizes.
func Partition(n, size int) []int {
	if n <= 0 {
		return nil
	}
	if size <= 0 || size > n {
		size = n
	}
	var sizes []int
	for n > 0 {
		s := min(size, n)
		sizes = append(sizes, s)
		n -= s
	}
	return sizes
}

// RunBatches runs perItem over items in consecutive batches of cfg.Size.
// Items within a batch run concurrently and the batch waits for all of
// them; a failing item never cancels its siblings. Results keep input
// order. If ctx is done between batches, the remaining items settle with
// ctx.Err().
func RunBatches[T, R any](ctx context.Context, items []T, cfg BatchConfig, perItem func(ctx context.Context, item T) (R, error)) []Settled[R] {
	out := make([]Settled[R], len(items))
	sizes := Partition(len(items), cfg.Size)
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if cfg.Delay == 0 {
		cfg.Delay = DefaultBatchDelay
	}

	start := 0
	for b, size := range sizes {
		if b > 0 && cfg.Delay > 0 {
			if err := sleep(ctx, cfg.Delay); err != nil {
				for i := start; i < len(items); i++ {
					out[i].Err = err
				}
				return out
			}
		}
		if cfg.OnBatch != nil {
			cfg.OnBatch(b, len(sizes), size)
		}

		var g errgroup.Group
		for i := start; i < start+size; i++ {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						out[i] = Settled[R]{Err: fmt.Errorf("item %d panicked: %v", i, r)}
					}
				}()
				v, err := perItem(ctx, items[i])
				out[i] = Settled[R]{Value: v, Err: err}
				return nil
			})
		}
		g.Wait()
		start += size
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
