// Package retry retries idempotent operations such as opening a remote
// connection or calling a summarization API. Feature toggles are never
// retried through this package.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/plugperf/internal/backoff"
)

// Config bounds how often and how patiently an operation is retried.
type Config struct {
	// MaxAttempts counts the first try. Values below 1 mean a single try.
	MaxAttempts int
	Policy      backoff.Policy
	// OnRetry runs after a failed attempt, before the wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleeper waits between attempts. Nil uses the wall clock.
	Sleeper backoff.Sleeper
}

// DefaultConfig allows three attempts on the default backoff policy.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Policy: backoff.DefaultPolicy()}
}

// Result reports how the final attempt went.
type Result struct {
	Attempts int
	Err      error
}

// DoWithValue runs op until it succeeds, returns a Permanent error, runs out
// of attempts or ctx ends. op receives the 1-based attempt number.
func DoWithValue[T any](ctx context.Context, cfg Config, op func(attempt int) (T, error)) (T, Result) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = backoff.ContextSleeper{}
	}

	var res Result
	for res.Attempts < attempts {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			return zero, res
		}
		res.Attempts++
		v, err := op(res.Attempts)
		if err == nil {
			res.Err = nil
			return v, res
		}
		res.Err = err
		if IsPermanent(err) || res.Attempts == attempts {
			break
		}
		delay := cfg.Policy.Delay(res.Attempts)
		if cfg.OnRetry != nil {
			cfg.OnRetry(res.Attempts, err, delay)
		}
		if err := sleeper.Sleep(ctx, delay); err != nil {
			res.Err = err
			break
		}
	}
	return zero, res
}

// Do is DoWithValue for operations without a result.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) Result {
	_, res := DoWithValue(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, op(attempt)
	})
	return res
}

// PermanentError stops Do at the attempt that returned it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
