package worker

import (
	"errors"
	"time"

	"github.com/JakeFAU/meerkat/internal/monitor"
)

// RetryPolicy decides whether a failed execution runs again.
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (1-based) may be followed by another.
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// FixedRetryPolicy retries with a constant delay.
type FixedRetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy allows three attempts a minute apart.
func DefaultRetryPolicy() FixedRetryPolicy {
	return FixedRetryPolicy{MaxAttempts: 3, Delay: time.Minute}
}

// ShouldRetry implements RetryPolicy. Missing targets are final; every stage
// failure, including a stage's own timeout, restarts the whole pipeline.
// Whether the worker itself was stopped is the caller's concern.
func (p FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return !errors.Is(err, monitor.ErrNotFound)
}

// Backoff implements RetryPolicy.
func (p FixedRetryPolicy) Backoff(int) time.Duration {
	return p.Delay
}
