package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker is rejecting calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the position of a breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // calls pass through
	StateOpen                         // calls fail fast until the cooldown elapses
	StateHalfOpen                     // a few probe calls decide whether to close
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// StateListener observes every recorded outcome. It runs outside the breaker lock.
type StateListener func(name string, state CircuitState, failed bool)

// BreakerConfig tunes a breaker
type BreakerConfig struct {
	MaxFailures int           // consecutive failures that open the breaker
	Cooldown    time.Duration // time spent open before probing
	Probes      int           // successful probes needed to close again
}

// BreakerStats is a point-in-time view of a breaker
type BreakerStats struct {
	State    CircuitState
	Calls    int64
	Failures int64
}

// FailureRate is the share of recorded calls that failed, from 0 to 1
func (s BreakerStats) FailureRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Calls)
}

// CircuitBreaker guards one upstream provider (recognition, completion or synthesis)
type CircuitBreaker struct {
	name     string
	cfg      BreakerConfig
	now      func() time.Time
	listener StateListener

	mu        sync.Mutex
	state     CircuitState
	streak    int // consecutive failures while closed
	openedAt  time.Time
	inFlight  int // probes admitted while half-open
	succeeded int // probes that succeeded while half-open
	calls     int64
	failures  int64
}

// NewCircuitBreaker creates a closed breaker that opens after maxFailures
// consecutive failures and probes again after cooldown
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return NewBreaker(name, BreakerConfig{MaxFailures: maxFailures, Cooldown: cooldown, Probes: 3})
}

// NewBreaker creates a closed breaker from cfg
func NewBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	cfg.MaxFailures = max(cfg.MaxFailures, 1)
	cfg.Probes = max(cfg.Probes, 1)
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// OnResult registers l and returns the breaker for chaining
func (cb *CircuitBreaker) OnResult(l StateListener) *CircuitBreaker {
	cb.mu.Lock()
	cb.listener = l
	cb.mu.Unlock()
	return cb
}

// Name returns the guarded provider's name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Do runs fn unless the breaker is open. A context cancellation is not held
// against the provider.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.RecordResult(err == nil)
	return err
}

// Call is Do for functions that carry their own context
func (cb *CircuitBreaker) Call(fn func() error) error {
	return cb.Do(context.Background(), func(context.Context) error { return fn() })
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.inFlight = 0
		cb.succeeded = 0
		fallthrough
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.Probes {
			return false
		}
		cb.inFlight++
	}
	return true
}

// release returns an unused probe slot
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
	cb.mu.Unlock()
}

// RecordResult records the outcome of a call made without Do
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	cb.calls++
	if success {
		cb.succeed()
	} else {
		cb.fail()
	}
	state, listener := cb.state, cb.listener
	cb.mu.Unlock()

	if listener != nil {
		listener(cb.name, state, !success)
	}
}

func (cb *CircuitBreaker) succeed() {
	switch cb.state {
	case StateClosed:
		cb.streak = 0
	case StateHalfOpen:
		cb.succeeded++
		if cb.succeeded >= cb.cfg.Probes {
			cb.heal()
		}
	}
}

func (cb *CircuitBreaker) fail() {
	cb.failures++
	switch cb.state {
	case StateClosed:
		cb.streak++
		if cb.streak >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.streak = 0
	cb.inFlight = 0
	cb.succeeded = 0
}

func (cb *CircuitBreaker) heal() {
	cb.state = StateClosed
	cb.streak = 0
	cb.inFlight = 0
	cb.succeeded = 0
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{State: cb.state, Calls: cb.calls, Failures: cb.failures}
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.heal()
	cb.calls = 0
	cb.failures = 0
}
