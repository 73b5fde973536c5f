package resilience

import (
	"context"

	"go.uber.org/zap"
)

// Executor composes a breaker registry with the retry helper. One Execute
// call records exactly one sample on the breaker: a success after the wrapped
// call succeeds, or a single failure once every retry attempt is exhausted —
// never one failure per attempt.
type Executor struct {
	registry *Registry
	policy   RetryPolicy
	logger   *zap.Logger
}

// NewExecutor creates an Executor over the given registry and retry policy.
func NewExecutor(registry *Registry, policy RetryPolicy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		policy:   policy,
		logger:   logger,
	}
}

// Registry exposes the underlying breaker registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs fn guarded by the named breaker. When the breaker is open the
// call fails fast with a CIRCUIT_OPEN error carrying a retry-after hint; the
// retry loop is not entered and no breaker counter moves.
func (e *Executor) Execute(ctx context.Context, breakerName string, fn func() error) error {
	breaker := e.registry.Get(breakerName)

	if !breaker.CanExecute() {
		retryAfter := breaker.RetryAfter()
		e.logger.Debug("circuit open, fast-failing",
			zap.String("breaker", breakerName),
			zap.Duration("retry_after", retryAfter),
		)
		return ErrCircuitOpen(breakerName, retryAfter)
	}

	err := Retry(ctx, e.policy, e.logger, fn)
	if err != nil {
		breaker.RecordFailure()
		return err
	}

	breaker.RecordSuccess()
	return nil
}
