package infra

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing, ingestion paused
	BreakerHalfOpen                     // Probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker pauses work against a failing dependency.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state        BreakerState
	failureCount int
	successCount int
	openedAt     time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	now              func() time.Time
	onChange         func(name string, from, to BreakerState)
}

// CircuitBreakerConfig holds configuration for creating a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		now:              time.Now,
		onChange:         cfg.OnStateChange,
	}
}

// Allow reports whether work may proceed. An open breaker moves to half-open
// once the timeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		cb.mu.Unlock()
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			cb.mu.Unlock()
			return false
		}
		cb.successCount = 0
		notify := cb.transition(BreakerHalfOpen)
		cb.mu.Unlock()
		notify()
		return true
	}
	cb.mu.Unlock()
	return false
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := func() {}
	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			notify = cb.transition(BreakerClosed)
		}
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	notify := func() {}
	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.openedAt = cb.now()
			notify = cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// Any failure in half-open returns to open
		cb.successCount = 0
		cb.openedAt = cb.now()
		notify = cb.transition(BreakerOpen)
	}
	cb.mu.Unlock()
	notify()
}

// transition must be called with mu held. The returned func runs the hook.
func (cb *CircuitBreaker) transition(to BreakerState) func() {
	from := cb.state
	cb.state = to
	switch to {
	case BreakerOpen:
		slog.Warn("Circuit breaker OPEN",
			slog.String("name", cb.name),
			slog.String("from", from.String()),
			slog.Int("failures", cb.failureCount))
	default:
		slog.Info("Circuit breaker transition",
			slog.String("name", cb.name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	hook := cb.onChange
	name := cb.name
	return func() {
		if hook != nil {
			hook(name, from, to)
		}
	}
}

// GetState returns the current state (for monitoring).
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.successCount = 0
	notify := func() {}
	if cb.state != BreakerClosed {
		notify = cb.transition(BreakerClosed)
	}
	cb.mu.Unlock()
	notify()
}
