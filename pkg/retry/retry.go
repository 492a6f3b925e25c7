// Package retry provides a shared, context-aware retry engine with
// exponential backoff. The database store and the script fetcher route
// transient failures through it; the object store client does not.
//
// Usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return store.Ping(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"syscall"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int           // Total attempts including the first. 0 means no-op.
	InitDelay   time.Duration // Base delay before the first retry.
	MaxDelay    time.Duration // Upper bound on any single delay.
	Jitter      bool          // Add ±25% random jitter to each delay.
}

// DefaultConfig returns 3 attempts, exponential backoff from 500 ms to
// 10 s with jitter enabled.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// StopError wraps an error to signal that retrying should stop
// immediately, e.g. a constraint violation or a 4xx response.
type StopError struct {
	Err error
}

func (e *StopError) Error() string { return e.Err.Error() }
func (e *StopError) Unwrap() error { return e.Err }

// Stop wraps err so that Do returns it without further retries.
func Stop(err error) error {
	return &StopError{Err: err}
}

// sleeper lets tests replace time.After.
type sleeper interface {
	sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn up to cfg.MaxAttempts times, sleeping between failures.
// It returns nil on the first success, the wrapped error if fn returns a
// StopError, ctx.Err() on cancellation, or the last error on exhaustion.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return doWithSleeper(ctx, cfg, fn, realSleeper{})
}

func doWithSleeper(ctx context.Context, cfg Config, fn func() error, s sleeper) error {
	if cfg.MaxAttempts <= 0 {
		return nil
	}

	var lastErr error
	for attempt := range cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var stop *StopError
		if errors.As(lastErr, &stop) {
			return stop.Err
		}

		if attempt < cfg.MaxAttempts-1 {
			if err := s.sleep(ctx, CalcDelay(cfg, attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// CalcDelay computes the sleep duration for a given attempt (0-indexed):
// InitDelay * 2^attempt, capped at MaxDelay, with optional jitter.
func CalcDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.InitDelay * time.Duration(math.Pow(2, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		quarter := int64(delay) / 4
		if quarter > 0 {
			j := time.Duration(rand.Int64N(quarter))
			if rand.IntN(2) == 0 {
				delay += j
			} else {
				delay -= j
			}
		}
	}
	return delay
}

// IsTransient reports whether err looks like a recoverable network or
// infrastructure failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"no route to host",
		"temporarily unavailable",
		"too many connections",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
