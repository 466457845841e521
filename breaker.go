package mcpclient

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

// Circuit breaker states. A closed breaker passes calls through, an open
// breaker refuses them, and a half-open breaker lets probes through to find
// out whether the server has recovered.
const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds driving a circuit breaker's transitions.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that
	// closes it again.
	SuccessThreshold int
	// OpenTimeout is how long after the last failure an open breaker waits
	// before allowing a probe.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the config used when none is provided.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker guards calls to one server. Transitions:
//
//   - Closed -> Open once consecutive failures reach FailureThreshold.
//   - Open -> HalfOpen once OpenTimeout has elapsed since the last failure.
//     The elapse is checked lazily inside CanProceed; there is no timer.
//   - HalfOpen -> Closed after SuccessThreshold consecutive successes.
//   - HalfOpen -> Open immediately on any single failure.
//
// It is safe for concurrent use. Instances should be created using
// NewCircuitBreaker.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg   BreakerConfig
	state BreakerState

	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailure         time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the given config. Zero
// config fields fall back to DefaultBreakerConfig.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &CircuitBreaker{
		cfg: cfg,
		now: time.Now,
	}
}

// CanProceed is the sole gate for outbound calls. A closed breaker always
// proceeds. An open breaker refuses until OpenTimeout has elapsed since the
// last failure, at which point exactly one call transitions it to half-open
// and proceeds. A half-open breaker always proceeds so probes can run.
func (b *CircuitBreaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.OpenTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures = 0
	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
	case BreakerOpen:
		// A straggler finishing after the breaker opened; the gate decides
		// recovery, not late results.
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.halfOpenSuccesses = 0
	case BreakerOpen:
		// Already open; the failure extends the wait, recorded above.
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the closed-state failure streak.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// RemainingOpenTime returns how long until an open breaker will allow a
// probe, and zero for any other state.
func (b *CircuitBreaker) RemainingOpenTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return 0
	}
	remaining := b.cfg.OpenTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset returns the breaker to closed with all counters cleared, as after a
// fresh successful handshake.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
}
