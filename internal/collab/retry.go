// Package collab wraps calls to external collaborators (extractors, lookup
// commands, remote APIs) with rate limiting, a hard per-attempt timeout, and
// bounded exponential backoff.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Napageneral/commsledger/internal/config"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retries exhausted")

// Retrier runs a function until it succeeds, returns a non-retryable error,
// or runs out of attempts.
type Retrier struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// Limiter, when set, gates every attempt.
	Limiter *rate.Limiter
	// Retryable classifies errors; nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// New builds a Retrier from config, with a token bucket when a rate is set.
func New(cfg config.RetryConfig) *Retrier {
	cfg = cfg.WithDefaults()
	r := &Retrier{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Factor:       2,
		Timeout:      cfg.Timeout,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		r.Limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r
}

// Do calls fn with a per-attempt context.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := r.InitialDelay

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		last = r.attempt(ctx, fn)
		if last == nil {
			return nil
		}
		// The caller's own cancellation is never retried.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.Retryable != nil && !r.Retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt, last, delay)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		delay = nextBackoff(delay, r.Factor, r.MaxDelay)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

func (r *Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	err := fn(actx)
	if err == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		// fn ignored its context; treat the overrun as a timeout anyway.
		return fmt.Errorf("attempt exceeded %s: %w", r.Timeout, context.DeadlineExceeded)
	}
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	if current <= 0 {
		return current
	}
	if factor <= 1 {
		factor = 2
	}
	next := time.Duration(float64(current) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
