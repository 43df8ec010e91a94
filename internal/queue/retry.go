package queue

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/wajourney/pkg/schema"
)

// Backoff defaults.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// BackoffPolicy is the exponential retry schedule of failed jobs.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffPolicy returns 1s doubling up to 30s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// ComputeBackoff returns the delay before retry number attempt (1-based):
// Base * 2^(attempt-1), capped at Max.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	if policy.Base <= 0 {
		policy.Base = DefaultBackoffBase
	}
	if policy.Max <= 0 {
		policy.Max = DefaultBackoffMax
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := policy.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.Max {
			return policy.Max
		}
	}
	return min(delay, policy.Max)
}

// IsRetryableError classifies a handler error. Cancellation means the worker
// is shutting down and is not retryable as a job failure. Typed FlowErrors
// decide for themselves. Everything else, network errors included, is
// retried until the job runs out of attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}
