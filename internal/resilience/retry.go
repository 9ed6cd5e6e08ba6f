// Package resilience provides bounded retry and circuit breaking for outbound calls.
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/example/sketch-match/internal/logging"
)

// RetryPolicy configures retry behaviour.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         bool
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Jitter:         true,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Retry runs fn until it succeeds, returns an error retryable rejects, the attempts
// are exhausted or ctx ends. The returned error is a *logging.OperationError wrapping
// the last failure.
func Retry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, operation string, retryable func(error) bool, fn func(context.Context) error) error {
	policy = policy.normalized()
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(logger, operation, requestID)

	backoff := policy.InitialBackoff
	var err error
	attempt := 0
	for attempt < policy.Attempts {
		if attempt > 0 {
			wait := backoff
			if policy.Jitter {
				wait = time.Duration(float64(backoff) * (0.5 + rand.Float64()))
			}
			if wait > policy.MaxBackoff {
				wait = policy.MaxBackoff
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				opLogger.Info("operation abandoned by caller", zap.Error(err), zap.Int("attempt", attempt))
				return &logging.OperationError{Operation: operation, RequestID: requestID, Attempts: attempt, Err: err}
			case <-timer.C:
			}
			if next := backoff * 2; next <= policy.MaxBackoff {
				backoff = next
			}
		}

		attempt++
		err = fn(ctx)
		if err == nil {
			if attempt > 1 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		if ctx.Err() != nil {
			opLogger.Info("operation abandoned by caller", zap.Error(err), zap.Int("attempt", attempt))
			return &logging.OperationError{Operation: operation, RequestID: requestID, Attempts: attempt, Err: err}
		}
		if !retryable(err) {
			if attempt == 1 {
				opLogger.Info("operation failed without retry", zap.Error(err))
			} else {
				opLogger.Warn("operation failed after retry", zap.Error(err), zap.Int("attempt", attempt))
			}
			return &logging.OperationError{Operation: operation, RequestID: requestID, Attempts: attempt, Err: err}
		}
		if attempt < policy.Attempts {
			opLogger.Warn("transient failure, retrying", zap.Error(err), zap.Int("attempt", attempt))
		}
	}

	opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt))
	return &logging.OperationError{Operation: operation, RequestID: requestID, Attempts: attempt, Err: err}
}

// IsTransient reports whether err looks like a timeout or temporary network fault.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
