package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBreaker(t *testing.T, config BreakerConfig) *Breaker {
	t.Helper()
	return NewBreaker("test", config, zap.NewNop())
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := testBreaker(t, BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	})

	assert.True(t, b.CanExecute())

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.CanExecute(), "below threshold, still closed")

	b.RecordFailure()
	assert.False(t, b.CanExecute())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessDecrementsFailures(t *testing.T) {
	b := testBreaker(t, BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	})

	// Two failures, one success: failure count drops back to 1, so two more
	// failures are needed before the breaker trips.
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	failures, _ := b.Counts()
	assert.Equal(t, 1, failures)

	b.RecordFailure()
	assert.True(t, b.CanExecute())
	b.RecordFailure()
	assert.False(t, b.CanExecute())
}

func TestBreaker_LazyHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := testBreaker(t, BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
	})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
	assert.Greater(t, b.RetryAfter(), time.Duration(0))

	time.Sleep(30 * time.Millisecond)

	// No background timer: the transition happens on state access.
	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Zero(t, b.RetryAfter())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := testBreaker(t, BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		SuccessThreshold: 2,
	})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "one probe success is not enough")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	failures, successes := b.Counts()
	assert.Zero(t, failures)
	assert.Zero(t, successes)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(t, BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		SuccessThreshold: 2,
	})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreaker_OnStateChange(t *testing.T) {
	transitions := make(chan [2]State, 4)
	b := NewBreaker("cb", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions <- [2]State{from, to}
		},
	}, zap.NewNop())

	b.RecordFailure()

	select {
	case tr := <-transitions:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("expected state change callback")
	}
}

func TestRegistry_LazyCreation(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig(), zap.NewNop())

	assert.Empty(t, r.Names())

	a := r.Get("external:evaluator")
	again := r.Get("external:evaluator")
	assert.Same(t, a, again, "same name must return the same breaker")

	r.Get("external:planner")
	assert.Len(t, r.Names(), 2)
}

func TestRegistry_PerNameConfig(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig(), zap.NewNop())
	r.Configure("fragile", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	})

	b := r.Get("fragile")
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// Default config still applies to other names.
	other := r.Get("sturdy")
	other.RecordFailure()
	assert.Equal(t, StateClosed, other.State())
}
