package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// RetryPolicy defines the retry-with-backoff behavior.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// ExponentialBase is the backoff multiplier per attempt.
	ExponentialBase float64
	// Delays, when non-empty, overrides the computed backoff schedule:
	// Delays[n] is slept before retry n+1.
	Delays []time.Duration
	// Retryable decides whether an error is worth retrying. Nil means every
	// error is retryable.
	Retryable func(error) bool
	// OnRetry is invoked before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns a policy suitable for most transient I/O.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Retry calls fn until it succeeds, the attempts are exhausted, or a
// non-retryable error occurs. Non-retryable errors propagate immediately
// without consuming the remaining attempts. Exhausting all attempts returns a
// terminal MAX_RETRIES_EXCEEDED error wrapping the last cause.
func Retry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.ExponentialBase < 1.0 {
		policy.ExponentialBase = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.delay(attempt - 1)

			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return types.NewError(types.ErrCodeTransientIO, "retry cancelled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			logger.Debug("error not retryable", zap.Error(lastErr))
			return lastErr
		}
	}

	logger.Warn("retry attempts exhausted",
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)

	return types.NewError(types.ErrCodeMaxRetries, "all retry attempts failed").WithCause(lastErr)
}

// delay computes the sleep before retry n (1-based).
func (p RetryPolicy) delay(n int) time.Duration {
	if len(p.Delays) > 0 {
		if n-1 < len(p.Delays) {
			return p.Delays[n-1]
		}
		return p.Delays[len(p.Delays)-1]
	}

	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// IsMaxRetries reports whether err is the terminal retry-exhaustion error.
func IsMaxRetries(err error) bool {
	var terr *types.Error
	return errors.As(err, &terr) && terr.Code == types.ErrCodeMaxRetries
}

// IsCircuitOpen reports whether err is a breaker fast-fail.
func IsCircuitOpen(err error) bool {
	var terr *types.Error
	return errors.As(err, &terr) && terr.Code == types.ErrCodeCircuitOpen
}
