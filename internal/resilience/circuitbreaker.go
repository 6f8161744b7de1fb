// Package resilience guards the bridge's outbound dependencies.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open)
// used to protect the AI-service dial path: when the service rejects
// connections repeatedly, new calls fail fast instead of stacking dial
// timeouts while callers hear silence.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [CircuitBreaker.Do] while the breaker rejects
// calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; their
	// outcome decides whether the breaker closes or re-opens.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [CircuitBreaker]. Zero fields take the documented
// defaults.
type Config struct {
	// Name labels the breaker in log messages, e.g. "ai-dial".
	Name string

	// MaxFailures is the consecutive-failure count that opens the
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default 3.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
	halfOpenFails int
}

// New creates a breaker from cfg, applying defaults for zero fields.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          time.Now,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrOpen] without calling fn; in the half-open state only the probe
// budget gets through.
func (cb *CircuitBreaker) Do(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		slog.Info("circuit breaker half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrOpen
		}
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Caller holds cb.mu.
func (cb *CircuitBreaker) onFailure(probing bool) {
	cb.lastFailure = cb.now()

	if probing {
		// Any probe failure re-opens immediately.
		cb.halfOpenFails++
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		slog.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
	}
}

// onSuccess updates success accounting. Caller holds cb.mu.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if probing {
		if cb.halfOpenCalls-cb.halfOpenFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State returns the breaker's current state. When open past the reset
// timeout it reports half-open; the transition itself happens on the
// next Do.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
