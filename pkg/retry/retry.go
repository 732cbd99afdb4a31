// Package retry runs operations with capped exponential backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy bounds a retry loop. Delays grow exponentially from BaseDelay
// up to MaxDelay with up to JitterFactor random spread.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultPolicy makes three attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
	}
}

// Backoff returns the delay before the attempt following attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// ±JitterFactor
	delay += delay * p.JitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns an error retryable rejects, or
// the attempts run out. Cancellation is observed between attempts. The
// last error is returned unchanged.
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation string, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}

		logger.Debug("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep on the last attempt
		if attempt < attempts-1 {
			select {
			case <-time.After(p.Backoff(attempt)):
			case <-ctx.Done():
				return lastErr
			}
		}
	}
	return lastErr
}
