// Package circuitbreaker trips outbound provider calls per key. The
// dispatch layer keys breakers by connector ID so one misbehaving 3PL
// cannot soak every worker in timeouts.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one circuit.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests rejected
	StateHalfOpen              // one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "payguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key. A key's circuit opens after
// threshold failures, rejects calls for openDuration, then admits a single
// probe; the probe's outcome closes or reopens it.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30 second open window.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// Allow reports whether a call under key may proceed. An open circuit whose
// window has elapsed moves to half-open and admits this one call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		return true
	}
	if c.state == StateOpen && time.Since(c.lastFailure) >= b.openDuration {
		b.transition(key, c, StateHalfOpen)
		return true
	}
	// Open inside the window, or half-open with a probe already in flight.
	return false
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.transition(key, c, StateClosed)
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold. A
// failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	c.lastFailure = time.Now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(key, c, StateOpen)
	}
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// transition is called with b.mu held.
func (b *Breaker) transition(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	stateTransitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
