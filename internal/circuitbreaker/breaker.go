// Package circuitbreaker stops calling a failing dependency for a cooldown
// period. Each dependency is tracked under its own name.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the named circuit is open.
var ErrOpen = errors.New("circuit open")

// State is a circuit's position.
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
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state changes by dependency.",
	}, []string{"name", "from_state", "to_state"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls skipped because the circuit was open.",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(transitions, rejected)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a name open after threshold consecutive failures. After the
// cooldown one probe call is let through; its outcome closes or reopens the
// circuit.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook is called synchronously, under the breaker's lock, on
// every state change. The hook must not call back into the breaker.
func WithTransitionHook(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// 30 seconds.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call to name may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[name]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.cooldown {
			b.transition(c, name, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[name]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, name, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{}
		b.circuits[name] = c
	}
	c.failures++
	c.lastFailure = b.now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(c, name, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(c, name, StateOpen)
	}
}

// Do runs fn unless the circuit is open, recording the outcome.
func (b *Breaker) Do(name string, fn func() error) error {
	if !b.Allow(name) {
		rejected.WithLabelValues(name).Inc()
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(name)
		return err
	}
	b.RecordSuccess(name)
	return nil
}

// State returns name's state. Unknown names are closed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[name]; ok {
		return c.state
	}
	return StateClosed
}

// Caller holds b.mu.
func (b *Breaker) transition(c *circuit, name string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(name, from, to)
	}
}
