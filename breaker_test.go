package mcpclient_test

import (
	"testing"
	"time"

	"github.com/agentrun/mcpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(openTimeout time.Duration) *mcpclient.CircuitBreaker {
	return mcpclient.NewCircuitBreaker(mcpclient.BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      openTimeout,
	})
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker(time.Hour)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, mcpclient.BreakerClosed, b.State(), "failure %d should not open", i+1)
		assert.True(t, b.CanProceed())
	}

	b.RecordFailure()
	assert.Equal(t, mcpclient.BreakerOpen, b.State())
	assert.False(t, b.CanProceed())
	// Stays refused while the timeout has not elapsed.
	assert.False(t, b.CanProceed())
}

func TestCircuitBreakerSuccessResetsStreak(t *testing.T) {
	b := newTestBreaker(time.Hour)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// The streak restarts, so two more failures still do not open.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, mcpclient.BreakerClosed, b.State())
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, mcpclient.BreakerOpen, b.State())
	require.False(t, b.CanProceed())

	time.Sleep(30 * time.Millisecond)

	// Exactly one call flips it to half-open and proceeds.
	assert.True(t, b.CanProceed())
	assert.Equal(t, mcpclient.BreakerHalfOpen, b.State())
	// Half-open keeps proceeding so probes can run.
	assert.True(t, b.CanProceed())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.CanProceed())
	require.Equal(t, mcpclient.BreakerHalfOpen, b.State())

	// A single failure while half-open reopens immediately.
	b.RecordFailure()
	assert.Equal(t, mcpclient.BreakerOpen, b.State())
	assert.False(t, b.CanProceed())
}

func TestCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.CanProceed())

	b.RecordSuccess()
	assert.Equal(t, mcpclient.BreakerHalfOpen, b.State(), "one success is below the threshold")
	b.RecordSuccess()
	assert.Equal(t, mcpclient.BreakerClosed, b.State())
	assert.True(t, b.CanProceed())
}

func TestCircuitBreakerFullRecoveryCycle(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)

	// Closed -> Open.
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	// Open -> HalfOpen -> Open again on a failed probe.
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.CanProceed())
	b.RecordFailure()
	require.Equal(t, mcpclient.BreakerOpen, b.State())

	// And recover for real this time.
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.CanProceed())
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, mcpclient.BreakerClosed, b.State())
}

func TestCircuitBreakerRemainingOpenTime(t *testing.T) {
	b := newTestBreaker(time.Hour)
	assert.Zero(t, b.RemainingOpenTime())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	remaining := b.RemainingOpenTime()
	assert.Greater(t, remaining, 59*time.Minute)
	assert.LessOrEqual(t, remaining, time.Hour)
}

func TestCircuitBreakerReset(t *testing.T) {
	b := newTestBreaker(time.Hour)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, mcpclient.BreakerOpen, b.State())

	b.Reset()
	assert.Equal(t, mcpclient.BreakerClosed, b.State())
	assert.Zero(t, b.ConsecutiveFailures())
	assert.True(t, b.CanProceed())
}
