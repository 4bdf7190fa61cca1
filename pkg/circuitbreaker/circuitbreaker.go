package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ross-commits/talk-to-claude/pkg/metrics"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Number of failures before opening
	SuccessThreshold int           // Number of successes to close from half-open
	Timeout          time.Duration // Time to wait before attempting half-open
	ResetTimeout     time.Duration // Time before resetting failure count
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker guards a downstream service (STT, TTS, brain). The
// name feeds the metrics surface so operators can see which service
// tripped.
type CircuitBreaker struct {
	name          string
	config        Config
	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
	mu            sync.RWMutex
}

// New creates a named circuit breaker
func New(name string, config Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.updateState()
	state := cb.state
	cb.mu.Unlock()

	if state == StateOpen {
		return ErrOpen
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// updateState applies the time-driven transitions: stale failure
// counts reset, and an open breaker moves to half-open once the
// timeout elapses. Caller holds cb.mu.
func (cb *CircuitBreaker) updateState() {
	now := time.Now()

	if cb.state == StateClosed && now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
		cb.failures = 0
		cb.lastResetTime = now
	}
	if cb.state == StateOpen && now.Sub(cb.lastFailTime) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
	}

	metrics.UpdateCircuitBreaker(cb.name, cb.state.String(), int64(cb.failures))
}

// recordResult records the result of an operation and transitions
// immediately, so GetState reflects the threshold crossing without
// waiting for the next Execute.
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.FailureThreshold {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			cb.successes = 0
			cb.state = StateOpen
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.state = StateClosed
			}
		}
	}
	metrics.UpdateCircuitBreaker(cb.name, cb.state.String(), int64(cb.failures))
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
