package engine

import (
	"sync"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass
	CircuitOpen                         // calls rejected until the cooldown ends
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-handler circuit breakers.
// A zero FailureThreshold disables them.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing again.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the engine defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per handler key ("task:http.request",
// "ai_agent:gpt-4o"). A rejected call surfaces as a retryable CIRCUIT_OPEN
// failure of the step, so the retry policy decides what happens next.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. A nil clock uses time.Now.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, now func() time.Time) *CircuitBreakerRegistry {
	if now == nil {
		now = time.Now
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      now,
	}
}

func (r *CircuitBreakerRegistry) enabled() bool {
	return r != nil && r.config.FailureThreshold > 0
}

// Allow returns nil when a call to the handler may proceed, or a CIRCUIT_OPEN
// error while its circuit is open.
func (r *CircuitBreakerRegistry) Allow(handler string) error {
	if !r.enabled() {
		return nil
	}
	cb := r.get(handler)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for handler %q after %d consecutive failures", handler, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"handler":              handler,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for handler %q: probe already in flight", handler)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the handler's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(handler string) {
	if !r.enabled() {
		return
	}
	cb := r.get(handler)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed call and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(handler string) CircuitState {
	if !r.enabled() {
		return CircuitClosed
	}
	cb := r.get(handler)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of a handler's circuit.
func (r *CircuitBreakerRegistry) State(handler string) CircuitState {
	if !r.enabled() {
		return CircuitClosed
	}
	cb := r.get(handler)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) get(handler string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[handler]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[handler] = cb
	}
	return cb
}
