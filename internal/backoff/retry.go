// Package backoff bounds the LLM Gate's (C1) retries of a provider
// call: a handful of attempts with growing, jittered delay between
// them, so a flaky transport fault doesn't either hammer the provider
// or hang the calling task indefinitely.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryBudget is the bounded retry policy the Gate applies to every
// provider call: delay grows geometrically from Initial by Factor on
// each attempt, randomized by Jitter, and never exceeds Max.
type RetryBudget struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultRetryBudget is the Gate's default: 100ms growing by 2x per
// attempt up to 30s, with 10% jitter.
func DefaultRetryBudget() RetryBudget {
	return RetryBudget{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// delay computes the wait before the given attempt (1-indexed: attempt
// 1 has already run, this is the wait before attempt+1).
func (b RetryBudget) delay(attempt int) time.Duration {
	return b.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter only, not security sensitive
}

func (b RetryBudget) delayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(b.Initial) * math.Pow(b.Factor, exp)
	jittered := base + base*b.Jitter*r
	capped := math.Min(float64(b.Max), jittered)
	return time.Duration(math.Round(capped))
}

// Attempt is the outcome of a single Do invocation: how many tries it
// took and the error from the last one, if Do ultimately failed.
type Attempt struct {
	Count   int
	LastErr error
}

// Do runs fn up to maxAttempts times under budget, sleeping between
// attempts (never after the last one) and returning as soon as fn
// succeeds. Context cancellation is checked before every attempt and
// during every sleep; a cancelled ctx aborts immediately with ctx.Err()
// regardless of attempts remaining.
func Do[T any](ctx context.Context, budget RetryBudget, maxAttempts int, fn func(attempt int) (T, error)) (T, Attempt, error) {
	var zero T
	var last error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, Attempt{Count: attempt - 1, LastErr: last}, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, Attempt{Count: attempt}, nil
		}
		last = err

		if attempt < maxAttempts {
			if err := sleep(ctx, budget.delay(attempt)); err != nil {
				return zero, Attempt{Count: attempt, LastErr: last}, err
			}
		}
	}
	return zero, Attempt{Count: maxAttempts, LastErr: last}, last
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
