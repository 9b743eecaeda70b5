// Package retry provides a bounded exponential-backoff combinator for
// external-call-making functions.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total number of calls, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// MinWaitSeconds is the backoff base. The wait before attempt n+1 is
	// MinWaitSeconds^(n+1) seconds, capped at MaxBackoffSeconds.
	MinWaitSeconds int

	// MaxBackoffSeconds caps a single wait.
	MaxBackoffSeconds int
}

// DefaultConfig mirrors the knobs used for most external calls.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, MinWaitSeconds: 5, MaxBackoffSeconds: 600}
}

// sleepFn is swapped out in tests.
var sleepFn = sleepContext

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying. Do returns the wrapped
// error immediately without burning further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds or attempts are exhausted, then returns the
// last error. Backoff carries no jitter; callers that fan out widely enough
// to thundering-herd the service should add their own.
func Do[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		if err := sleepFn(ctx, backoff(cfg, i)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Run is Do for functions without a return value.
func Run(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// backoff computes the wait after the i-th failed attempt (0-based).
func backoff(cfg Config, i int) time.Duration {
	min := cfg.MinWaitSeconds
	if min < 1 {
		min = 1
	}
	max := cfg.MaxBackoffSeconds
	if max < 1 {
		max = 1
	}
	wait := math.Pow(float64(min), float64(i+1))
	if wait > float64(max) {
		wait = float64(max)
	}
	return time.Duration(wait * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
