package git

import (
	"context"
	"log"
	"strings"
	"time"
)

// transientPatterns mark network failures worth retrying. Matched
// case-insensitively against the full command error text.
var transientPatterns = []string{
	"econnreset",
	"connection reset",
	"enotfound",
	"could not resolve host",
	"econnrefused",
	"connection refused",
	"etimedout",
	"connection timed out",
	"operation timed out",
	"rate limit",
	"too many requests",
	"429",
	"early eof",
	"the remote end hung up",
	"remote end hung up unexpectedly",
	"temporarily unavailable",
	"service unavailable",
	"503",
	"temporary failure in name resolution",
}

// IsTransient reports whether an error looks like a retryable network fault.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds retries of network-touching git commands.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is doubled per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the fetch/push contract: 3 tries, 2s base, 60s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// Backoff returns the delay before the given zero-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// withRetry runs fn, retrying transient failures per the policy. Non-transient
// errors surface immediately.
func (g *ExecGateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := g.retry.Backoff(attempt - 1)
			log.Printf("[git] %s failed transiently, retry %d/%d in %s", op, attempt, g.retry.MaxAttempts-1, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
