package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/outcome-exchange/internal/metrics"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

// DefaultMaxAttempts bounds optimistic retries when no limit is configured.
const DefaultMaxAttempts = 5

// Retrier re-runs a transaction function after optimistic concurrency
// conflicts. Every other outcome, success included, is returned as is.
type Retrier struct {
	MaxAttempts int
	Backoff     time.Duration // slept between attempts, multiplied by the attempt number

	// OnRetry, if set, is called before each new attempt.
	OnRetry func(attempt int, err error)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. Exhaustion yields model.ErrOptimisticRetryExceeded.
func (r Retrier) Do(ctx context.Context, fn func() error) error {
	limit := r.MaxAttempts
	if limit < 1 {
		limit = DefaultMaxAttempts
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !store.Retryable(err) {
			return err
		}
		if attempt >= limit {
			return fmt.Errorf("%w after %d attempts: %v", model.ErrOptimisticRetryExceeded, attempt, err)
		}

		metrics.OptimisticRetries.Inc()
		if r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}
		if r.Backoff > 0 {
			t := time.NewTimer(r.Backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}
