// Package clock abstracts wall-clock time and timers so cooldowns, cache
// freshness and confirmation polling can be driven by tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used across the service.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually driven clock. After advances the fake time by d and
// fires immediately, so loops that wait on it run without sleeping while
// still accounting for the elapsed time.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	waits  int
	waited time.Duration
}

// NewFake returns a fake clock set to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.waits++
	f.waited += d
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the fake time forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps to t, which may be in the past to simulate skew.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Waits reports how many times After was called and the total duration
// requested.
func (f *Fake) Waits() (int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits, f.waited
}
