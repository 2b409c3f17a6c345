// ============================================================================
// Retry - bounded retry for single network operations
// ============================================================================
//
// Package: internal/retry
// File: retry.go
//
// Two entry points share one loop:
//   Fetch  - retries only when the operation returns an error (transport
//            failure). A response that arrived, successful or not, ends the
//            loop immediately.
//   Until  - retries while a caller supplied predicate says so. Used by the
//            bundling pipeline for response level policies such as
//            "status not OK" or "body empty".
//
// The delay between attempts is fixed and interrupted by ctx cancellation.
// ============================================================================

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted wraps the last error once every attempt failed.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// DefaultPolicy is used for transport retries when no policy is configured.
var DefaultPolicy = Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"` // total attempts, including the first
	Delay       time.Duration `yaml:"delay"`        // fixed pause between attempts
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Predicate decides whether an attempt's outcome should be retried.
type Predicate[T any] func(result T, err error) bool

// OnError retries whenever the operation returned an error.
func OnError[T any](_ T, err error) bool {
	return err != nil
}

// Any combines predicates; the outcome is retried if one of them matches.
func Any[T any](preds ...Predicate[T]) Predicate[T] {
	return func(result T, err error) bool {
		for _, p := range preds {
			if p(result, err) {
				return true
			}
		}
		return false
	}
}

// Fetch executes op up to policy.MaxAttempts times, retrying only on a
// returned error. The last error is surfaced when all attempts fail.
func Fetch[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, error) {
	result, err := Until(ctx, policy, op, OnError[T])
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return result, fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
	}
	return result, err
}

// Until executes op until retryIf reports false or attempts run out, and
// returns the outcome of the final attempt unchanged.
func Until[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error), retryIf Predicate[T]) (T, error) {
	var (
		result T
		err    error
	)

	attempts := policy.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = op(ctx)
		if !retryIf(result, err) {
			return result, err
		}
		if attempt == attempts {
			break
		}
		if waitErr := sleep(ctx, policy.Delay); waitErr != nil {
			if err == nil {
				err = waitErr
			}
			return result, err
		}
	}

	return result, err
}

// sleep pauses for d unless ctx is done first.
func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
