// Package circuitbreaker guards outbound calls to the listing catalog.
// Each catalog endpoint has its own circuit; after enough consecutive
// failures the endpoint is left alone for a cool-down, then a single trial
// call decides whether it is back.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while an endpoint is cooling down.
var ErrOpen = errors.New("circuit breaker is open")

// State of one endpoint's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen // a trial call is outstanding
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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketescrow",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Catalog endpoint circuit changes by endpoint, previous and new state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per endpoint key.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	trip     int
	cooldown time.Duration
	now      func() time.Time
	notify   func(key string, from, to State)
}

// New returns a breaker that opens after trip consecutive failures and
// allows a trial call once cooldown has passed.
func New(trip int, cooldown time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		trip:     trip,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// WithClock sets the time source used for the cool-down.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers fn to run, on its own goroutine, whenever a
// circuit changes state.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Execute calls fn unless key's circuit is open, and feeds the outcome
// back into the circuit.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key may go out. The first call after the
// cool-down moves the circuit to half-open and is the only one let through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess clears key's failure streak and closes its circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		c.failures = 0
		b.setState(key, c, StateClosed)
	}
}

// RecordFailure extends key's failure streak. A failed trial call, or a
// streak reaching the trip count, opens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.trip) {
		c.openedAt = b.now()
		b.setState(key, c, StateOpen)
	}
}

// State returns key's current state; unseen keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// setState must be called with b.mu held.
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.notify; fn != nil {
		go fn(key, from, to)
	}
}
