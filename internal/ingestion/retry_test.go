package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

// A wall fetch that hits the per-second request cap succeeds once the cap clears.
func TestRetry_RateLimitedFetchSucceeds(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return NewRetryableError(errors.New("vk wall.get: error 6: too many requests per second"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_RetryAfterReplacesBackoff(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 1, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffFactor: 2}

	attempts := 0
	start := time.Now()
	err := Retry(context.Background(), policy, func(context.Context) error {
		attempts++
		if attempts == 1 {
			return NewRetryableErrorWithDelay(errors.New("telegram sendMessage: too many requests"), 20*time.Millisecond)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	cause := errors.New("telegram sendMessage: chat not found")

	attempts := 0
	err := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		attempts++
		return cause
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, cause, err)
}

func TestRetry_ExhaustedKeepsCause(t *testing.T) {
	cause := errors.New("vk wall.get returned status 502")

	attempts := 0
	err := Retry(context.Background(), fastPolicy(2), func(context.Context) error {
		attempts++
		return NewRetryableError(cause)
	})

	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "max retries exceeded (2)")
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffFactor: 2}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, policy, func(context.Context) error {
		attempts++
		cancel()
		return NewRetryableError(errors.New("vk wall.get: error 6: too many requests per second"))
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, calculateBackoff(policy, 0))
	assert.Equal(t, 8*time.Second, calculateBackoff(policy, 3))
	assert.Equal(t, 10*time.Second, calculateBackoff(policy, 4))

	policy.Jitter = true
	for i := 0; i < 50; i++ {
		got := calculateBackoff(policy, 1)
		assert.GreaterOrEqual(t, got, 1800*time.Millisecond)
		assert.LessOrEqual(t, got, 2200*time.Millisecond)
	}
}

func TestRetryableError(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(NewRetryableError(errors.New("temporary"))))

	err := NewRetryableErrorWithDelay(errors.New("flood wait"), 3*time.Second)
	assert.True(t, IsRetryable(err))
	assert.EqualError(t, err, "flood wait (retry after 3s)")
}
