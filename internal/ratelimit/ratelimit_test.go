package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_Limiter_Burst tests that a full bucket allows the configured burst
func Test_Limiter_Burst(t *testing.T) {
	l := New(3, 1)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire(), "token %d of the burst should be available", i+1)
	}
	assert.False(t, l.TryAcquire(), "the bucket should be empty after the burst")
}

// Test_Limiter_Refill tests that tokens come back over time
func Test_Limiter_Refill(t *testing.T) {
	l := New(1, 100) // one token every 10ms

	require.True(t, l.TryAcquire())
	require.False(t, l.TryAcquire())

	time.Sleep(25 * time.Millisecond)
	assert.True(t, l.TryAcquire(), "a token should have refilled")
}

// Test_Limiter_Wait tests that Wait blocks until a token refills
func Test_Limiter_Wait(t *testing.T) {
	l := New(1, 50) // one token every 20ms
	require.True(t, l.TryAcquire())

	start := time.Now()
	err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "Wait should have slept for the refill")
}

// Test_Limiter_WaitCancelled tests that a blocked Wait honors context
func Test_Limiter_WaitCancelled(t *testing.T) {
	l := New(1, 0.001) // effectively never refills
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
