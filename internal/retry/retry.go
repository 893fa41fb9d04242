package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Policy is the exponential backoff used by dispatch and queue draining
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// ShouldRetry decides whether a failed attempt may be repeated.
	// Nil retries every error.
	ShouldRetry func(err error) bool

	// OnRetry is called before waiting for the next attempt
	OnRetry func(attempt int, delay time.Duration, err error)

	Clock clock.Clock
}

// Delay returns the wait after the given 1-based attempt: base * multiplier^(attempt-1)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
}

// Wait blocks for d on the policy clock or until ctx is done
func (p Policy) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := p.clock().Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn up to MaxAttempts times and returns the last error.
// There is no wait after the final attempt.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts || ctx.Err() != nil || !p.retryable(err) {
			return err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if werr := p.Wait(ctx, delay); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func (p Policy) retryable(err error) bool {
	if p.ShouldRetry == nil {
		return true
	}
	return p.ShouldRetry(err)
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}
