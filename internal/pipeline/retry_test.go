package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinearRetryPolicyTransientErrors(t *testing.T) {
	p := NewLinearRetryPolicy(3, 100*time.Millisecond)
	transient := errors.New("timeout waiting for selector")

	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3), "attempt bound reached")
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestLinearRetryPolicyDetectionBypassesRetry(t *testing.T) {
	p := NewLinearRetryPolicy(3, 100*time.Millisecond)

	require.False(t, p.ShouldRetry(ErrDetected, 1))
	require.False(t, p.ShouldRetry(errors.Join(errors.New("render place"), ErrDetected), 1))
	require.False(t, p.ShouldRetry(ErrBrowserGone, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestLinearRetryPolicyBackoffGrowsLinearly(t *testing.T) {
	p := NewLinearRetryPolicy(3, 250*time.Millisecond)

	require.Equal(t, 250*time.Millisecond, p.Backoff(1))
	require.Equal(t, 500*time.Millisecond, p.Backoff(2))
	require.Equal(t, 750*time.Millisecond, p.Backoff(3))
	require.Equal(t, 250*time.Millisecond, p.Backoff(0), "attempts are 1-based")
}

func TestLinearRetryPolicyDefaults(t *testing.T) {
	p := NewLinearRetryPolicy(0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.Equal(t, time.Second, p.Backoff(1))
}
