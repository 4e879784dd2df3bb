package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEngine_AdmitPooledPhase1RollsBackPartialSuccess exercises spec.md
// §4.B's Phase 1->2 transition: the first limit has enough local tokens,
// the second does not, so Phase 1 partially succeeds then fails. Pool B's
// key is pre-drained in the store so its Phase 2 batch flush genuinely
// borrows zero and the whole admission fails. Pool A, having already
// succeeded in Phase 1, must not rejoin Phase 2 (it doesn't need another
// store round-trip) and its rolled-back token count must be exactly what
// it started with -- a failed admission must not leak tokens from, or
// hand extra borrowed tokens to, a pool that already granted its share.
func TestEngine_AdmitPooledPhase1RollsBackPartialSuccess(t *testing.T) {
	store := newFakeStore()
	limA := testLimit()
	limB := testLimit()
	keyA, keyB := "scope-a|ModelInference", "scope-b|ModelInference"
	store.setToken(keyB, 0) // already exhausted: B's batch flush borrows nothing

	eng := NewEngine(store, &RuleSet{}, ModePooled, time.Minute)

	poolA := eng.registry.getOrCreate(keyA, limA)
	poolA.tokensAvailable.Store(50)
	poolB := eng.registry.getOrCreate(keyB, limB)
	poolB.tokensAvailable.Store(0)

	limits := []ActiveRateLimit{
		{ScopeKey: "scope-a", Resource: ResourceModelInference, Limit: limA},
		{ScopeKey: "scope-b", Resource: ResourceModelInference, Limit: limB},
	}
	requested := map[string]uint64{keyA: 10, keyB: 10}

	before := poolA.tokensAvailable.Load()

	_, err := eng.admitPooled(context.Background(), limits, requested)
	require.Error(t, err)

	assert.Equal(t, before, poolA.tokensAvailable.Load(), "phase 1's successful consume on pool A must be rolled back once pool B fails, and A must not rejoin phase 2")
}

// TestEngine_AdmitPooledBackoffPreCheckSkipsStoreEntirely exercises the
// spec.md §8 scenario 5 fail-fast property in isolation: when a pool's
// exhaustion backoff is armed, admission must reject before Phase 1 even
// runs, so a pool that would otherwise have plenty of local tokens is
// left completely untouched.
func TestEngine_AdmitPooledBackoffPreCheckSkipsStoreEntirely(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModePooled, time.Minute)

	lim := testLimit()
	key := "scope|ModelInference"
	pool := eng.registry.getOrCreate(key, lim)
	pool.tokensAvailable.Store(1000)
	pool.backoff.arm()

	limits := []ActiveRateLimit{{ScopeKey: "scope", Resource: ResourceModelInference, Limit: lim}}
	requested := map[string]uint64{key: 10}

	_, err := eng.admitPooled(context.Background(), limits, requested)
	require.Error(t, err)

	assert.Equal(t, uint64(1000), pool.tokensAvailable.Load(), "pre-check must reject before phase 1 touches the pool")
	assert.Zero(t, store.consumeCallCount(), "an armed backoff must never reach the store")
}

// TestEngine_AdmitPooledColdStartBatchesDownStoreCalls exercises spec.md
// §8 scenario 4: a single key repeatedly admitted in a pooled rule with a
// high refill rate must batch its store round-trips -- cold-start
// borrowing pulls far more than any single request needs, so a burst of
// sequential admissions drives only a handful of ConsumeTickets calls,
// not one per admission.
func TestEngine_AdmitPooledColdStartBatchesDownStoreCalls(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModePooled, 10*time.Second)

	lim := Limit{Resource: ResourceModelInference, Capacity: 10000, RefillRate: 10, Interval: time.Second}
	key := "scope|ModelInference"
	limits := []ActiveRateLimit{{ScopeKey: "scope", Resource: ResourceModelInference, Limit: lim}}
	requested := map[string]uint64{key: 10}

	for i := 0; i < 100; i++ {
		_, err := eng.admitPooled(context.Background(), limits, requested)
		require.NoError(t, err, "admission %d should not fail against a freshly-provisioned store", i)
	}

	assert.Less(t, store.consumeCallCount(), 15, "cold-start borrowing must amortize store round-trips across many admissions")

	pool := eng.registry.getOrCreate(key, lim)
	assert.GreaterOrEqual(t, pool.estimator.P99(), uint64(10), "the pool's demand estimator must have observed the steady 10-token requests")
}

// TestEngine_AdmitPooledExhaustionBackoffStopsStoreCalls exercises spec.md
// §8 scenario 5 end-to-end through a live batch flush: once the store's
// own counter is depleted and a batch flush reports tickets_consumed=0,
// every subsequent admission must fail immediately without issuing
// another store call, until the backoff expires.
func TestEngine_AdmitPooledExhaustionBackoffStopsStoreCalls(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModePooled, 10*time.Second)

	lim := Limit{Resource: ResourceModelInference, Capacity: 100, RefillRate: 1, Interval: time.Second}
	key := "scope|ModelInference"
	limits := []ActiveRateLimit{{ScopeKey: "scope", Resource: ResourceModelInference, Limit: lim}}
	requested := map[string]uint64{key: 20}

	var exhaustedAt int
	var callsAtExhaustion int
	for i := 0; i < 20; i++ {
		_, err := eng.admitPooled(context.Background(), limits, requested)
		if err != nil {
			exhaustedAt = i
			callsAtExhaustion = store.consumeCallCount()
			break
		}
	}
	require.NotZero(t, exhaustedAt, "repeated 20-token draws against a 100-token pool must eventually exhaust the store")

	for i := 0; i < 10; i++ {
		_, err := eng.admitPooled(context.Background(), limits, requested)
		assert.Error(t, err, "admission while backoff is armed must fail fast")
	}

	assert.Equal(t, callsAtExhaustion, store.consumeCallCount(), "no new store call may occur once backoff is armed")
}

func TestEngine_AdmitDirectEmptyMatchListAdmitsUnconditionally(t *testing.T) {
	eng := NewEngine(newFakeStore(), &RuleSet{}, ModeDirect, time.Minute)
	adm, err := eng.Admit(context.Background(), Scope{}, Estimate{ModelInferences: 5})
	require.NoError(t, err)
	assert.Empty(t, adm.limits)
}

// TestEngine_ShutdownReturnsUnusedTokens exercises spec.md §4.B Shutdown:
// every non-empty pool's unused tokens are returned to the store in one
// call, and a pool with nothing unused does not generate a Return request.
func TestEngine_ShutdownReturnsUnusedTokens(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModePooled, time.Minute)

	lim := testLimit()
	key := "scope|Token"
	pool := eng.registry.getOrCreate(key, lim)
	pool.addUnused(42)

	idleKey := "scope-idle|Token"
	eng.registry.getOrCreate(idleKey, lim)

	require.NoError(t, eng.Shutdown(context.Background()))

	assert.Equal(t, uint64(42), store.tokens[key], "unused tokens must be returned to the store")
	assert.Zero(t, pool.drainUnused(), "draining at shutdown must zero the pool's unused counter")
	_, idleTouched := store.tokens[idleKey]
	assert.False(t, idleTouched, "a pool with no unused tokens must not generate a store call")
}

// TestEngine_ShutdownReturnErrorIsLoggedNotSurfaced exercises spec.md §4.B
// Failure semantics: "Shutdown errors are logged, never surfaced to
// callers" -- a store that errors on return must not fail Shutdown.
func TestEngine_ShutdownReturnErrorIsLoggedNotSurfaced(t *testing.T) {
	eng := NewEngine(&erroringReturnStore{fakeStore: newFakeStore()}, &RuleSet{}, ModePooled, time.Minute)
	pool := eng.registry.getOrCreate("scope|Token", testLimit())
	pool.addUnused(7)

	assert.NoError(t, eng.Shutdown(context.Background()))
}

type erroringReturnStore struct {
	*fakeStore
}

func (s *erroringReturnStore) ReturnTickets(ctx context.Context, reqs []Return) ([]ReturnReceipt, error) {
	return nil, assert.AnError
}
