package browser

import (
	"sync"
	"time"
)

// CircuitState represents the state of the launch circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows launch attempts to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all launch attempts.
	CircuitOpen
	// CircuitHalfOpen allows a probe attempt to check whether the
	// environment recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive launch failures and gates new
// attempts once the threshold is reached. The open state heals lazily:
// there is no background timer, the open→half-open transition happens
// on the first IsOpen read after the cooldown elapses.
//
// One instance is shared by every initialization attempt of a Manager,
// so all state is mutex-guarded. Construct a fresh instance per test.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures    int
	lastFailure time.Time
	state       CircuitState
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock substitutes the time source. Tests use this to move the
// cooldown window without sleeping.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and begins admitting probes again cooldown
// after the last failure.
func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     CircuitClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IsOpen reports whether launch attempts are currently gated. Reading
// performs the lazy open→half-open transition once the cooldown has
// elapsed; half-open is not gated, so a single probe attempt gets
// through.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		b.state = CircuitHalfOpen
	}
	return b.state == CircuitOpen
}

// RecordFailure counts one real launch/connect failure. It returns the
// resulting state and whether this call transitioned the breaker to
// open, so the caller can emit the transition exactly once. A failure
// in half-open re-opens immediately regardless of the count.
func (b *CircuitBreaker) RecordFailure() (state CircuitState, opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state != CircuitOpen && (b.state == CircuitHalfOpen || b.failures >= b.threshold) {
		b.state = CircuitOpen
		return b.state, true
	}
	return b.state, false
}

// RecordSuccess fully resets the breaker from any state.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastFailure = time.Time{}
	b.state = CircuitClosed
}

// State returns the current state without performing the lazy
// transition.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure count.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
