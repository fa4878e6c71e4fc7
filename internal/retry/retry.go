// Package retry runs remote operations under a capped exponential backoff.
// Rate-limit directives are honored through the shared controller and never
// consume attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/ratelimit"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Retryable decides whether an error consumes an attempt or fails fast.
	// Defaults to errs.IsRetryable.
	Retryable func(error) bool

	// Limiter paces calls and absorbs FLOOD_WAIT directives. Optional.
	Limiter *ratelimit.Controller

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, next time.Duration)
}

// DefaultPolicy returns three attempts starting at one second.
func DefaultPolicy(limiter *ratelimit.Controller) Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Limiter:         limiter,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = errs.IsRetryable
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := p.call(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, next)
		}
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

// call runs fn once, looping over rate-limit directives.
func (p Policy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Limiter != nil {
		return p.Limiter.Do(ctx, fn)
	}
	for {
		err := fn(ctx)
		wait, ok := errs.RetryAfter(err)
		if !ok {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}
