// Package circuitbreaker keeps one circuit per key (the Soroban RPC client
// keys by method). A circuit opens after a run of consecutive failures,
// rejects calls for a cooldown, then lets a single probe decide whether to
// close again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/metrics"
)

// ErrOpen is returned by Do while the circuit for the key is open. It is
// transient: callers may fall back or retry later.
var ErrOpen error = &openError{}

type openError struct{}

func (*openError) Error() string   { return "circuit breaker open" }
func (*openError) Transient() bool { return true }

// IsOpen reports whether err came from an open circuit.
func IsOpen(err error) bool {
	var oe *openError
	return errors.As(err, &oe)
}

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type circuit struct {
	state    State
	failures int // consecutive
	openedAt time.Time
}

// Breaker holds the circuits. The zero value is not usable; call New.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	circuits map[string]*circuit
	hook     func(key string, from, to State)
}

// New returns a breaker that opens a circuit after threshold consecutive
// failures and keeps it open for cooldown. Non-positive arguments fall
// back to 5 and 30s.
func New(threshold int, cooldown time.Duration) *Breaker {
	return NewWithClock(threshold, cooldown, clock.Real{})
}

// NewWithClock is New with an explicit time source.
func NewWithClock(threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		circuits:  make(map[string]*circuit),
	}
}

// OnTransition registers fn to be called, on its own goroutine, after
// every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.hook = fn
	b.mu.Unlock()
}

// Do runs fn unless the circuit for key is open. Errors for which
// countable returns false (a well-formed rejection, say) pass through
// without counting against the circuit. A nil countable counts every
// error.
func (b *Breaker) Do(key string, countable func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess clears the failure run and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		c.failures = 0
		b.move(key, c, StateClosed)
	}
}

// RecordFailure extends the failure run. A failed probe reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.clock.Now()
		b.move(key, c, StateOpen)
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if hook := b.hook; hook != nil {
		go hook(key, from, to)
	}
}
