package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKindOf tests failure classification through wrapped chains
func TestKindOf(t *testing.T) {
	sentinel := Sentinel(Data, "constraint violated")

	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "direct classified error",
			err:      New(Persistent, "config", errors.New("missing account")),
			expected: Persistent,
		},
		{
			name:     "wrapped classified error",
			err:      fmt.Errorf("sync table: %w", sentinel),
			expected: Data,
		},
		{
			name:     "deadline exceeded is transient",
			err:      fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			expected: Transient,
		},
		{
			name:     "cancellation is persistent",
			err:      context.Canceled,
			expected: Persistent,
		},
		{
			name:     "unclassified defaults to transient",
			err:      errors.New("connection reset by peer"),
			expected: Transient,
		},
		{
			name:     "circuit open",
			err:      Sentinel(CircuitOpen, "breaker open"),
			expected: CircuitOpen,
		},
		{
			name:     "budget",
			err:      Sentinel(Budget, "cost threshold exceeded"),
			expected: Budget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

// TestSentinelComparable verifies sentinels survive errors.Is through wrapping
func TestSentinelComparable(t *testing.T) {
	sentinel := Sentinel(Budget, "budget exceeded")
	wrapped := fmt.Errorf("extract: %w", sentinel)

	assert.True(t, errors.Is(wrapped, sentinel))
	assert.Equal(t, Budget, KindOf(wrapped))
}

// TestRetryBound verifies no call exceeds max_retries+1 attempts
func TestRetryBound(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0.2}

	calls := 0
	err := Retry(context.Background(), "always-fails", policy, func(context.Context) error {
		calls++
		return errors.New("transient blip")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "expected exactly max_retries+1 attempts")
	assert.Equal(t, Persistent, KindOf(err), "exhausted retries escalate to persistent")
}

// TestRetrySucceedsMidway verifies the loop stops on first success
func TestRetrySucceedsMidway(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), "flaky", policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient blip")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestRetryDoesNotRetryPersistent verifies persistent errors return at once
func TestRetryDoesNotRetryPersistent(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	cause := New(Persistent, "auth", errors.New("bad credentials"))
	err := Retry(context.Background(), "auth", policy, func(context.Context) error {
		calls++
		return cause
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)
}

// TestRetryDoesNotRetryData verifies data errors bypass the retry budget
func TestRetryDoesNotRetryData(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), "upsert", policy, func(context.Context) error {
		calls++
		return Sentinel(Data, "null value in column")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, Data, KindOf(err))
}

// TestRetryHonorsCancellation verifies the backoff wait aborts on cancel
func TestRetryHonorsCancellation(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, "slow", policy, func(context.Context) error {
			calls++
			return errors.New("transient blip")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, 1, calls)
		assert.Equal(t, Persistent, KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not abort on cancellation")
	}
}

// TestRetryPassesContextToAttempts verifies fn sees the caller's context
// so downstream calls inside the closure stay cancellable
func TestRetryPassesContextToAttempts(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "marker")

	calls := 0
	err := Retry(ctx, "ctx-aware", policy, func(ctx context.Context) error {
		calls++
		assert.Equal(t, "marker", ctx.Value(key{}))
		if calls < 2 {
			return errors.New("transient blip")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

// TestDelayGrowthAndJitter verifies exponential growth stays inside the
// jitter envelope and respects the cap
func TestDelayGrowthAndJitter(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}

	for attempt, base := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second, // stays capped
	} {
		d := policy.Delay(attempt)
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		assert.GreaterOrEqual(t, d, low, "attempt %d", attempt)
		assert.LessOrEqual(t, d, high, "attempt %d", attempt)
	}
}
