package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/conduitworks/maestro/pkg/schema"
)

// IsRetryableError classifies whether a task failure should be retried.
// Context cancellation means the instance is shutting down and is never
// retried; task-level deadlines are.
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

	var me *schema.Error
	if errors.As(err, &me) {
		return me.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Default: retryable — the retry config limits attempts.
	return true
}

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

// RetryDecision is the outcome of consulting the retry config after a failed
// attempt.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// DecideRetry determines whether a task that just failed its attempt-th run
// (1-based) gets another one, and after what delay. Delay grows as
// base * 2^(attempt-1), capped at the configured max; with jitter the delay
// is drawn uniformly from [delay/2, delay].
func DecideRetry(cfg *schema.RetryConfig, attempt int, err error) RetryDecision {
	if cfg == nil || cfg.MaxRetries <= 0 {
		return RetryDecision{}
	}
	if !IsRetryableError(err) {
		return RetryDecision{}
	}
	// attempt 1 is the initial run; retries beyond MaxRetries are exhausted.
	if attempt > cfg.MaxRetries {
		return RetryDecision{}
	}

	base := defaultBackoffBase
	if cfg.BackoffBase != "" {
		if d, perr := time.ParseDuration(cfg.BackoffBase); perr == nil {
			base = d
		}
	}
	maxDelay := defaultBackoffMax
	if cfg.BackoffMax != "" {
		if d, perr := time.ParseDuration(cfg.BackoffMax); perr == nil {
			maxDelay = d
		}
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if cfg.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}

	return RetryDecision{Retry: true, Delay: delay}
}
