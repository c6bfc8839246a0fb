package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/kv"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/metrics"
	"github.com/mbd888/risktier/internal/syncutil"
)

// DefaultCooldown is the minimum time between two recorded commits.
const DefaultCooldown = 24 * time.Hour

const keyNamespace = "ratelimit"

// ErrCooldownActive is returned by Record while the address is cooling down.
var ErrCooldownActive = errors.New("ratelimit: commit cooldown active")

// State is the per-address cooldown state.
type State string

const (
	StateNeverCommitted State = "never_committed"
	StateCooldown       State = "cooldown"
	StateEligible       State = "eligible"
)

// Status is the outcome of Check.
type Status struct {
	CanCommit      bool          `json:"can_commit"`
	State          State         `json:"state"`
	Remaining      time.Duration `json:"-"`
	RemainingMs    int64         `json:"remaining_ms"`
	LastCommitAt   *time.Time    `json:"last_commit_at,omitempty"`
	NextEligibleAt *time.Time    `json:"next_eligible_at,omitempty"`
}

// entry is the stored form. The absolute timestamp survives restarts and
// clock changes, unlike a countdown.
type entry struct {
	LastCommitAtMs int64 `json:"last_commit_at_ms"`
}

// Cooldown enforces at most one recorded commit per window per address.
type Cooldown struct {
	store  kv.Store
	clock  clock.Clock
	window time.Duration
	logger *slog.Logger
	locks  syncutil.ShardedMutex
}

// NewCooldown returns a cooldown over store. A non-positive window uses
// DefaultCooldown.
func NewCooldown(store kv.Store, clk clock.Clock, window time.Duration, logger *slog.Logger) *Cooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cooldown{store: store, clock: clk, window: window, logger: logger}
}

// Window returns the configured cooldown length.
func (c *Cooldown) Window() time.Duration { return c.window }

// Check reports whether address may commit now. It never mutates state.
// A store failure fails open: the address is reported eligible and the
// error is logged.
func (c *Cooldown) Check(ctx context.Context, address string) Status {
	last, ok, err := c.load(ctx, address)
	if err != nil {
		logging.L(ctx, c.logger).Warn("cooldown read failed, allowing commit", "address", address, "error", err)
		return Status{CanCommit: true, State: StateEligible}
	}
	if !ok {
		return Status{CanCommit: true, State: StateNeverCommitted}
	}
	return c.status(last)
}

// status derives everything from the absolute instant last+window. A
// timestamp recorded by a clock running ahead therefore holds the address
// until that instant, which can be longer than one window from now, but the
// reported NextEligibleAt never moves between checks.
func (c *Cooldown) status(last time.Time) Status {
	next := last.Add(c.window)
	st := Status{LastCommitAt: &last, NextEligibleAt: &next}
	remaining := next.Sub(c.clock.Now())
	if remaining <= 0 {
		st.CanCommit = true
		st.State = StateEligible
		return st
	}
	st.State = StateCooldown
	st.Remaining = remaining
	st.RemainingMs = remaining.Milliseconds()
	return st
}

// Record marks a commit for address at the current time. It returns
// ErrCooldownActive without writing when the address is still cooling
// down. Unlike Check, a store read failure here is returned.
func (c *Cooldown) Record(ctx context.Context, address string) error {
	unlock := c.locks.Lock(address)
	defer unlock()

	last, ok, err := c.load(ctx, address)
	if err != nil {
		return err
	}
	if ok {
		if st := c.status(last); !st.CanCommit {
			metrics.CooldownBlockedTotal.Inc()
			return fmt.Errorf("%w: %s remaining", ErrCooldownActive, FormatRemaining(st.Remaining))
		}
	}
	now := c.clock.Now()
	if err := kv.SetJSON(ctx, c.store, kv.Key(keyNamespace, address), entry{LastCommitAtMs: now.UnixMilli()}); err != nil {
		return fmt.Errorf("ratelimit: record %s: %w", address, err)
	}
	logging.L(ctx, c.logger).Info("commit recorded", "address", address, "next_eligible_at", now.Add(c.window))
	return nil
}

func (c *Cooldown) load(ctx context.Context, address string) (time.Time, bool, error) {
	var e entry
	ok, err := kv.GetJSON(ctx, c.store, kv.Key(keyNamespace, address), &e)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(e.LastCommitAtMs), true, nil
}

// FormatRemaining renders a duration as "Xh Ym", or "Ym" under an hour.
// Partial minutes round up so a pending cooldown never shows "0m".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	h, m := minutes/60, minutes%60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
