package pipeline

import (
	"context"
	"errors"
	"time"
)

// LinearRetryPolicy retries transient per-item failures with linear backoff
// (attempt * base). Detection errors never retry: they are re-raised
// immediately so the caller can trigger a browser restart instead.
type LinearRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewLinearRetryPolicy builds a policy; non-positive arguments fall back to
// 3 attempts and a 1s base delay.
func NewLinearRetryPolicy(maxAttempts int, baseDelay time.Duration) *LinearRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &LinearRetryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// MaxAttempts returns the attempt bound.
func (p *LinearRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether attempt+1 should run after err.
func (p *LinearRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, ErrDetected) || errors.Is(err, ErrBrowserGone) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Backoff returns the wait before the given 1-based attempt.
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.baseDelay
}
