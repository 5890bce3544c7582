package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	// Given: a function that fails twice with a retryable error
	attempts := 0
	fn := func(int) error {
		attempts++
		if attempts < 3 {
			return BackendUnavailable("transient", nil)
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(4), fn)

	// Then: succeeds on the third attempt
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(2), func(int) error {
		attempts++
		return BackendUnavailable("down", nil)
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, attempts) // Initial + 2 retries
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(5), func(int) error {
		attempts++
		return BackendRejected("bad payload", nil)
	})

	assert.True(t, IsRejected(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_PassesAttemptNumber(t *testing.T) {
	var seen []int
	_ = Retry(context.Background(), fastRetry(2), func(attempt int) error {
		seen = append(seen, attempt)
		return BackendUnavailable("down", nil)
	})

	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, cfg, func(int) error { return BackendUnavailable("down", nil) })

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, time.Duration(0), cfg.Backoff(0))
	assert.Equal(t, 10*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 40*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, cfg.Backoff(4))
	assert.Equal(t, 50*time.Millisecond, cfg.Backoff(20))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}

	for i := 0; i < 50; i++ {
		d := cfg.Backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
