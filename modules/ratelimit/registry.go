package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/go-kit/log/level"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// DefaultIdleEviction is the bounded idle interval after which an
// unreferenced TokenPool is evicted and drained (spec.md §3 TokenPool
// Lifecycle: "evicted after a bounded idle interval; drained to the store
// at shutdown").
const DefaultIdleEviction = 10 * time.Minute

// registry is the lazy, idle-evicting map of TokenPools keyed by
// ActiveRateLimit.Key(), backed by otter/v2 -- the concurrent cache chosen
// from the retrieval pack for exactly this shape: a hot, highly concurrent
// get-or-insert map with access-based expiry, which is what a per-request
// admission path needs instead of a size-only LRU.
type registry struct {
	cache      *otter.Cache[string, *TokenPool]
	store      Store
	mode       Mode
	borrowDone func(pool *TokenPool, batchID string, waiters []*waiter, sumNeeded uint64)

	mu sync.Mutex // serializes the getOrCreate insert race
}

func newRegistry(store Store, mode Mode, idleTTL time.Duration) *registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleEviction
	}
	r := &registry{store: store, mode: mode}

	r.cache = otter.Must(&otter.Options[string, *TokenPool]{
		MaximumSize:      100_000,
		ExpiryCalculator: otter.ExpiryAccessing[string, *TokenPool](idleTTL),
		OnDeletion: func(e otter.DeletionEvent[string, *TokenPool]) {
			r.drainOnEvict(e.Value)
		},
	})
	return r
}

// getOrCreate lazily creates a TokenPool for key on first use (spec.md §3
// "created lazily on first use of its key").
func (r *registry) getOrCreate(key string, limit Limit) *TokenPool {
	if pool, ok := r.cache.GetIfPresent(key); ok {
		return pool
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.cache.GetIfPresent(key); ok {
		return pool
	}

	pool := newTokenPool(key, limit)
	pool.batch.setFlushFunc(func(batchID string, waiters []*waiter, sum uint64) {
		r.borrowDone(pool, batchID, waiters, sum)
	})
	r.cache.Set(key, pool)
	return pool
}

// all returns a snapshot of every live pool, for shutdown draining.
func (r *registry) all() []*TokenPool {
	var out []*TokenPool
	r.cache.Range(func(_ string, p *TokenPool) bool {
		out = append(out, p)
		return true
	})
	return out
}

func (r *registry) drainOnEvict(pool *TokenPool) {
	if pool == nil {
		return
	}
	unused := pool.drainUnused()
	if unused == 0 {
		return
	}
	if _, err := r.store.ReturnTickets(context.Background(), []Return{{
		Key: pool.Key, Capacity: pool.Limit.Capacity, RefillAmount: pool.Limit.RefillRate,
		RefillInterval: int64(pool.Limit.Interval.Seconds()), Returned: unused,
	}}); err != nil {
		level.Warn(log.Logger).Log("msg", "failed to return unused tokens of evicted token pool", "key", pool.Key, "unused", unused, "err", err)
	}
}
