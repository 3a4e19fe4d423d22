package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the guarded backend is failing fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines when the breaker trips and recovers.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// CircuitBreakerStats is a snapshot of the breaker.
type CircuitBreakerStats struct {
	State               CircuitBreakerState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	OpenedAt            time.Time           `json:"opened_at,omitempty"`
}

// CircuitBreaker stops calling a backend that keeps rejecting work.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	state    CircuitBreakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
	onChange func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCircuitBreakerConfig().Cooldown
	}
	return &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
}

// OnStateChange registers a callback invoked under the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// ExecuteContext runs fn unless the circuit is open.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.MaxFailures <= 0 {
		return nil
	}

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.MaxFailures <= 0 {
		return
	}

	cb.probing = false
	if err == nil {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.transitionLocked(StateClosed)
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.openedAt = cb.now()
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{State: cb.state, ConsecutiveFailures: cb.failures, OpenedAt: cb.openedAt}
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.transitionLocked(StateClosed)
}
