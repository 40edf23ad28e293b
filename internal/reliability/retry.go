package reliability

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines the interface for retry policies.
// Attempts are counted from 1: attempt is the number of calls already made.
type RetryPolicy interface {
	// ShouldRetry determines if another attempt should follow the failed one
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of attempts allowed
	MaxAttempts() int
	// NextDelay calculates the delay that follows the given attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff waits InitialInterval * Multiplier^(attempt-1) between attempts.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	// Retryable classifies errors; nil retries every error.
	Retryable func(error) bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        attempts,
	}
}

// NewExponential returns the broker policy: attempts total, 2^attempt seconds
// between them, retrying only errors accepted by retryable.
func NewExponential(attempts int, retryable func(error) bool) *ExponentialBackoff {
	policy := NewExponentialBackoff(2*time.Second, 5*time.Minute, 2, attempts)
	policy.Retryable = retryable
	return policy
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts {
		return false, 0
	}

	if e.Retryable != nil && !e.Retryable(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	return time.Duration(delay)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnRetryFunc is called after a failed attempt that will be retried.
type OnRetryFunc func(err error, attempt int, delay time.Duration)

type retryConfig struct {
	op      string
	onRetry OnRetryFunc
	sleep   Sleeper
}

// RetryOption configures a single Retry call
type RetryOption func(*retryConfig)

// WithOperation names the operation in the returned RetryError
func WithOperation(op string) RetryOption {
	return func(c *retryConfig) {
		c.op = op
	}
}

// WithOnRetry registers a callback invoked before each wait
func WithOnRetry(fn OnRetryFunc) RetryOption {
	return func(c *retryConfig) {
		c.onRetry = fn
	}
}

// WithSleeper replaces the wait between attempts
func WithSleeper(sleep Sleeper) RetryOption {
	return func(c *retryConfig) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Retry executes fn until it succeeds, the policy gives up or ctx is done.
// Exhausting the policy returns a *RetryError; a non-retryable error is
// returned as is.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, opts ...RetryOption) error {
	cfg := retryConfig{op: "operation", sleep: Sleep}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			if attempt >= policy.MaxAttempts() {
				return &RetryError{
					Op:          cfg.op,
					Attempts:    attempt,
					MaxAttempts: policy.MaxAttempts(),
					LastError:   err,
					Duration:    time.Since(start),
				}
			}
			return err
		}

		if cfg.onRetry != nil {
			cfg.onRetry(err, attempt, delay)
		}

		if err := cfg.sleep(ctx, delay); err != nil {
			return err
		}
	}
}
