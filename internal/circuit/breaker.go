package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls rejected
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// ErrOpen is matched by every *OpenError
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is rejected without being attempted
type OpenError struct {
	Dependency string
	State      BreakerState
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker for %s is half-open with a trial call in flight", e.Dependency)
	}
	return fmt.Sprintf("circuit breaker for %s is open, retry in %v", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config holds circuit breaker thresholds
type Config struct {
	FailureThreshold int           // Consecutive failures in closed before opening
	SuccessThreshold int           // Successes in half_open before closing
	Timeout          time.Duration // Time spent open before a trial call
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
	}
}

// Stats is a snapshot of a breaker
type Stats struct {
	Name          string
	State         BreakerState
	FailureCount  int
	SuccessCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// StateChangeFunc is called after every transition, outside the breaker lock
type StateChangeFunc func(name string, from, to BreakerState)

// Breaker guards calls to one dependency
type Breaker struct {
	name          string
	config        Config
	state         BreakerState
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	trialInFlight bool
	mu            sync.Mutex
	onStateChange StateChangeFunc
	now           func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config Config, onStateChange StateChangeFunc) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Breaker{
		name:          name,
		config:        config,
		state:         StateClosed,
		onStateChange: onStateChange,
		now:           time.Now,
	}
}

// Name returns the dependency name
func (cb *Breaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. Every nil return must be followed
// by exactly one of RecordSuccess, RecordFailure or Release.
func (cb *Breaker) Allow() error {
	cb.mu.Lock()

	var from BreakerState
	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.config.Timeout {
			cb.mu.Unlock()
			return &OpenError{Dependency: cb.name, State: StateOpen, RetryAfter: cb.config.Timeout - elapsed}
		}
		// Timeout passed, let one trial through
		from = cb.setStateLocked(StateHalfOpen)
		cb.trialInFlight = true
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return &OpenError{Dependency: cb.name, State: StateHalfOpen}
		}
		cb.trialInFlight = true
	}

	cb.mu.Unlock()
	return nil
}

// RecordSuccess records a successful call
func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()

	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			from := cb.setStateLocked(StateClosed)
			cb.mu.Unlock()
			cb.notify(from, StateClosed)
			return
		}
	case StateClosed:
		cb.failureCount = 0
	}

	cb.mu.Unlock()
}

// RecordFailure records a failed call
func (cb *Breaker) RecordFailure() {
	cb.mu.Lock()

	cb.lastFailureAt = cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		from := cb.setStateLocked(StateOpen)
		cb.mu.Unlock()
		cb.notify(from, StateOpen)
		return
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			from := cb.setStateLocked(StateOpen)
			cb.mu.Unlock()
			cb.notify(from, StateOpen)
			return
		}
	}

	cb.mu.Unlock()
}

// Release ends an allowed call without counting it either way
func (cb *Breaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// State returns the current state
func (cb *Breaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker
func (cb *Breaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:          cb.name,
		State:         cb.state,
		FailureCount:  cb.failureCount,
		SuccessCount:  cb.successCount,
		LastFailureAt: cb.lastFailureAt,
		OpenedAt:      cb.openedAt,
	}
}

// ForceReset manually closes the breaker
func (cb *Breaker) ForceReset() {
	cb.mu.Lock()
	from := cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// setStateLocked moves to state and resets counters. Returns the previous state.
func (cb *Breaker) setStateLocked(state BreakerState) BreakerState {
	from := cb.state
	cb.state = state
	cb.failureCount = 0
	cb.successCount = 0
	cb.trialInFlight = false
	if state == StateOpen {
		cb.openedAt = cb.now()
	}
	return from
}

func (cb *Breaker) notify(from, to BreakerState) {
	if from == to || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, from, to)
}
