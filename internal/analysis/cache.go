package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/kv"
	"github.com/mbd888/risktier/internal/logging"
)

// DefaultTTL is the freshness window of a cached analysis.
const DefaultTTL = time.Hour

const keyNamespace = "analysis"

// IsFresh reports whether a result computed at computedAt is still usable
// at now. A computedAt in the future counts as fresh.
func IsFresh(computedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(computedAt) < ttl
}

// Cache memoizes the last report per address on a kv.Store. Cache failures
// are logged and treated as misses; they never fail an analysis.
type Cache struct {
	store  kv.Store
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache returns a cache over store. A non-positive ttl uses DefaultTTL.
func NewCache(store kv.Store, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{store: store, clock: clk, ttl: ttl, logger: logger}
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached report for address when it is still fresh.
func (c *Cache) Get(ctx context.Context, address string) (*Report, bool) {
	var r Report
	ok, err := kv.GetJSON(ctx, c.store, kv.Key(keyNamespace, address), &r)
	if err != nil {
		logging.L(ctx, c.logger).Warn("analysis cache read failed", "address", address, "error", err)
		return nil, false
	}
	if !ok || !IsFresh(r.ComputedAt, c.clock.Now(), c.ttl) {
		return nil, false
	}
	return &r, true
}

// Put stores r under its address.
func (c *Cache) Put(ctx context.Context, r *Report) {
	if err := kv.SetJSON(ctx, c.store, kv.Key(keyNamespace, r.Address), r); err != nil {
		logging.L(ctx, c.logger).Warn("analysis cache write failed", "address", r.Address, "error", err)
	}
}
