package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/kv"
	"github.com/mbd888/risktier/internal/scoring"
	"github.com/mbd888/risktier/internal/syncutil"
)

const fallbackNamespace = "fallback"

// Entry is a locally stored, non-authoritative commit.
type Entry struct {
	ID         string       `json:"id"`
	Address    string       `json:"address"`
	Score      int          `json:"score"`
	Tier       scoring.Tier `json:"tier"`
	ChosenTier scoring.Tier `json:"chosen_tier"`
	TxHash     string       `json:"tx_hash,omitempty"`
	Reason     string       `json:"reason"`
	CreatedAt  time.Time    `json:"created_at"`
}

// FallbackStore keeps an append-only list of entries per address.
type FallbackStore struct {
	store kv.Store
	clock clock.Clock
	locks *syncutil.ContextShardedMutex
}

func NewFallbackStore(store kv.Store, clk clock.Clock) *FallbackStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &FallbackStore{store: store, clock: clk, locks: syncutil.NewContextShardedMutex()}
}

// Save appends e, assigning ID and CreatedAt when empty.
func (f *FallbackStore) Save(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = f.clock.Now().UTC()
	}

	key := kv.Key(fallbackNamespace, e.Address)
	unlock, err := f.locks.LockContext(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	var entries []Entry
	if _, err := kv.GetJSON(ctx, f.store, key, &entries); err != nil {
		return Entry{}, fmt.Errorf("fallback: load %s: %w", e.Address, err)
	}
	entries = append(entries, e)
	if err := kv.SetJSON(ctx, f.store, key, entries); err != nil {
		return Entry{}, fmt.Errorf("fallback: save %s: %w", e.Address, err)
	}
	return e, nil
}

// List returns the entries for address, oldest first.
func (f *FallbackStore) List(ctx context.Context, address string) ([]Entry, error) {
	var entries []Entry
	if _, err := kv.GetJSON(ctx, f.store, kv.Key(fallbackNamespace, address), &entries); err != nil {
		return nil, fmt.Errorf("fallback: list %s: %w", address, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
