package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleeper captures requested delays without waiting
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct values", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts())
		assert.Nil(t, eb.Retryable)
	})

	t.Run("broker policy waits 2^attempt seconds", func(t *testing.T) {
		eb := NewExponential(5, nil)

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{1, 2 * time.Second},
			{2, 4 * time.Second},
			{3, 8 * time.Second},
			{4, 16 * time.Second},
			{10, 5 * time.Minute}, // capped
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 1; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("classifier rejects errors", func(t *testing.T) {
		transient := errors.New("transient")
		eb := NewExponential(5, func(err error) bool { return errors.Is(err, transient) })

		shouldRetry, _ := eb.ShouldRetry(1, transient)
		assert.True(t, shouldRetry)

		shouldRetry, _ = eb.ShouldRetry(1, errors.New("access refused"))
		assert.False(t, shouldRetry)
	})

	t.Run("nil classifier retries every error", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		shouldRetry, delay := eb.ShouldRetry(2, errors.New("anything"))
		assert.True(t, shouldRetry)
		assert.Equal(t, 2*time.Second, delay)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		attempts := 0

		err := Retry(context.Background(), NewExponential(3, nil), func() error {
			attempts++
			return nil
		}, WithSleeper(sleeper.sleep))

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Empty(t, sleeper.delays)
	})

	t.Run("stops at the first success", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		attempts := 0

		err := Retry(context.Background(), NewExponential(5, nil), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		}, WithSleeper(sleeper.sleep))

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)
	})

	t.Run("attempts equal the configured count under persistent failure", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		var retried []int
		attempts := 0
		cause := errors.New("persistent error")

		err := Retry(context.Background(), NewExponential(5, nil), func() error {
			attempts++
			return cause
		},
			WithSleeper(sleeper.sleep),
			WithOperation("connect"),
			WithOnRetry(func(err error, attempt int, delay time.Duration) {
				retried = append(retried, attempt)
			}),
		)

		require.Error(t, err)
		assert.Equal(t, 5, attempts)
		assert.Equal(t, []int{1, 2, 3, 4}, retried)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, sleeper.delays)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 5, retryErr.Attempts)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		attempts := 0

		fatal := errors.New("fatal error")
		policy := NewExponential(5, func(err error) bool { return !errors.Is(err, fatal) })

		err := Retry(context.Background(), policy, func() error {
			attempts++
			if attempts == 2 {
				return fatal
			}
			return errors.New("retryable error")
		}, WithSleeper(sleeper.sleep))

		assert.Error(t, err)
		assert.Equal(t, "fatal error", err.Error())
		assert.Equal(t, 2, attempts)
		assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0

		err := Retry(ctx, NewExponential(5, nil), func() error {
			attempts++
			cancel()
			return errors.New("error")
		}, WithSleeper(Sleep))

		assert.Equal(t, context.Canceled, err)
		assert.Equal(t, 1, attempts)
	})
}

func TestSleep(t *testing.T) {
	t.Run("returns after the delay", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	})

	t.Run("returns early when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Equal(t, context.Canceled, Sleep(ctx, time.Hour))
	})
}
