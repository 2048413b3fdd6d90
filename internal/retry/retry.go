package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is wrapped by the error Retry returns once every attempt has
// failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExponentialBackoffRetryer implements retry logic with exponential backoff.
type ExponentialBackoffRetryer struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	jitter      bool
}

// Option configures an ExponentialBackoffRetryer.
type Option func(*ExponentialBackoffRetryer)

// WithMaxAttempts bounds the total number of calls, the first one included.
func WithMaxAttempts(n int) Option {
	return func(r *ExponentialBackoffRetryer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the wait before the second attempt. Non-positive values
// keep the default.
func WithBaseDelay(d time.Duration) Option {
	return func(r *ExponentialBackoffRetryer) {
		if d > 0 {
			r.baseDelay = d
		}
	}
}

// WithMaxDelay caps the wait between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(r *ExponentialBackoffRetryer) {
		r.maxDelay = d
	}
}

// WithoutJitter makes delays deterministic, which tests rely on.
func WithoutJitter() Option {
	return func(r *ExponentialBackoffRetryer) {
		r.jitter = false
	}
}

// NewExponentialBackoffRetryer creates a new retryer with sensible defaults
func NewExponentialBackoffRetryer(opts ...Option) *ExponentialBackoffRetryer {
	r := &ExponentialBackoffRetryer{
		maxAttempts: 5,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    5 * time.Second,
		multiplier:  2.0,
		jitter:      true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAttempts returns the configured attempt bound.
func (r *ExponentialBackoffRetryer) MaxAttempts() int {
	return r.maxAttempts
}

// Retry calls fn until it succeeds, the attempts run out or ctx is done.
// fn receives the 1-based attempt number. A context error is returned as is so
// callers can tell a deadline from exhaustion.
func (r *ExponentialBackoffRetryer) Retry(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == r.maxAttempts {
			break
		}

		delay := r.calculateDelay(attempt - 1)
		slog.DebugContext(ctx, "Retry attempt failed, waiting before next attempt",
			"attempt", attempt, "max_attempts", r.maxAttempts,
			"delay_ms", delay.Milliseconds(), "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.maxAttempts, lastErr)
}

func (r *ExponentialBackoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(r.multiplier, float64(attempt))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}

	if r.jitter {
		// Add random jitter up to 25% of the delay
		jitterRange := delay * 0.25
		jitter := rand.Float64() * jitterRange
		delay += jitter
	}

	return time.Duration(delay)
}
