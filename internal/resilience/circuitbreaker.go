// Package resilience implements a circuit breaker guarding SSH connect
// attempts, so a Session whose peer is down stops hammering it with
// redial attempts and instead fails fast until a recovery timeout has
// elapsed. One breaker exists per SessionIdentity, held by the transport
// registry rather than by each forwarder.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// ErrOpen is returned by Allow when the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a Breaker.
type Config struct {
	MaxFailures     int
	RecoveryTimeout time.Duration
}

// DefaultConfig trips the breaker after five consecutive failures and
// allows a retry after a minute of quiet.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, RecoveryTimeout: 60 * time.Second}
}

// Breaker is a single circuit breaker instance.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	failures     int
	state        State
	stateChanged time.Time
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed, stateChanged: time.Now()}
}

// Allow reports whether a connect attempt should proceed, transitioning
// an Open breaker to HalfOpen once the recovery timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.stateChanged) > b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			return nil
		}
		return fmt.Errorf("%w: open for %v", ErrOpen, time.Since(b.stateChanged))
	default:
		return fmt.Errorf("unknown circuit breaker state")
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// RecordFailure counts a failure, opening the circuit once the threshold
// is reached (or immediately, if the probe attempt from HalfOpen failed).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}
	if b.failures >= b.cfg.MaxFailures {
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(s State) {
	b.state = s
	b.stateChanged = time.Now()
	if s == StateClosed || s == StateOpen {
		b.failures = 0
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one Breaker per key (a SessionIdentity string),
// creating it lazily.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for key, creating it if necessary.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := New(r.cfg)
	r.breakers[key] = b
	return b
}

// Remove discards the Breaker for key, if any.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}
