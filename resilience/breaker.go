package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// ErrCircuitOpen builds the fast-fail error returned while a breaker is open.
func ErrCircuitOpen(name string, retryAfter time.Duration) error {
	return types.NewError(types.ErrCodeCircuitOpen, "circuit breaker "+name+" is open").
		WithRetryAfter(retryAfter)
}

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows calls through and counts failures.
	StateClosed State = iota
	// StateOpen fast-fails every call until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure count that trips CLOSED -> OPEN.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays OPEN before a probe
	// is allowed (OPEN -> HALF_OPEN, evaluated lazily on state access).
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HALF_OPEN
	// required to close the breaker again.
	SuccessThreshold int
	// OnStateChange, when set, is invoked on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns the default thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a named three-state circuit breaker. There is no background
// timer: the OPEN -> HALF_OPEN transition happens lazily whenever state is
// observed after the recovery timeout has elapsed.
type Breaker struct {
	name   string
	config BreakerConfig
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewBreaker creates a circuit breaker with the given name and thresholds.
func NewBreaker(name string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		name:   name,
		config: config,
		logger: logger.With(zap.String("breaker", name)),
		state:  StateClosed,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, applying the lazy OPEN -> HALF_OPEN
// transition when the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// CanExecute reports whether a call may proceed: true in CLOSED and
// HALF_OPEN (one probe), false in OPEN.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != StateOpen
}

// RetryAfter returns how long until the breaker is eligible to probe again.
// Zero when the breaker is not OPEN.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() != StateOpen {
		return 0
	}
	remaining := b.config.RecoveryTimeout - time.Since(b.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess records one successful call against the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		// Isolated failures self-heal: one success pays down one failure.
		if b.failureCount > 0 {
			b.failureCount--
		}

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.logger.Info("circuit breaker recovered",
				zap.Int("probe_successes", b.successCount),
			)
			b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}

	case StateOpen:
		b.logger.Warn("success recorded while breaker open")
	}
}

// RecordFailure records one failed call against the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker tripped",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure during probing re-opens immediately.
		b.logger.Warn("probe failed, re-opening circuit breaker")
		b.setState(StateOpen)
		b.successCount = 0
	}
}

// Reset forces the breaker back to CLOSED and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0

	b.logger.Info("circuit breaker reset", zap.String("from_state", old.String()))

	if b.config.OnStateChange != nil && old != StateClosed {
		go b.config.OnStateChange(b.name, old, StateClosed)
	}
}

// Counts returns the current failure and success counters.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

// currentState applies the lazy recovery transition. Callers must hold b.mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
		b.logger.Info("circuit breaker entering half-open state")
		b.setState(StateHalfOpen)
		b.successCount = 0
	}
	return b.state
}

// setState transitions and fires the change callback. Callers must hold b.mu.
func (b *Breaker) setState(newState State) {
	old := b.state
	if old == newState {
		return
	}
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, old, newState)
	}
}
