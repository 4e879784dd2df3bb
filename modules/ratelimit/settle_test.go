package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store standing in for Redis in tests: one
// counter per key, filled to Capacity on first touch. consumeCalls counts
// ConsumeTickets invocations so tests can assert on store round-trips; it's
// guarded since batch flushes run on the batchBuffer's own timer goroutine.
type fakeStore struct {
	mu           sync.Mutex
	tokens       map[string]uint64
	consumeCalls int
}

func newFakeStore() *fakeStore { return &fakeStore{tokens: map[string]uint64{}} }

func (s *fakeStore) ConsumeTickets(_ context.Context, reqs []Consume) ([]ConsumeReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumeCalls++

	out := make([]ConsumeReceipt, 0, len(reqs))
	for _, r := range reqs {
		cur, ok := s.tokens[r.Key]
		if !ok {
			cur = r.Capacity
		}
		consumed := r.Requested
		if consumed > cur {
			consumed = cur
		}
		cur -= consumed
		s.tokens[r.Key] = cur
		epoch := time.Now().Unix()
		out = append(out, ConsumeReceipt{
			Key: r.Key, Success: consumed == r.Requested,
			TicketsRemaining: cur, TicketsConsumed: consumed, RecordedEpoch: &epoch,
		})
	}
	return out, nil
}

func (s *fakeStore) consumeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeCalls
}

func (s *fakeStore) setToken(key string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = amount
}

func (s *fakeStore) ReturnTickets(_ context.Context, reqs []Return) ([]ReturnReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReturnReceipt, 0, len(reqs))
	for _, r := range reqs {
		cur := s.tokens[r.Key]
		cur += r.Returned
		if cur > r.Capacity {
			cur = r.Capacity
		}
		s.tokens[r.Key] = cur
		out = append(out, ReturnReceipt{Key: r.Key, TicketsRemaining: cur})
	}
	return out, nil
}

func testLimit() Limit {
	return Limit{Resource: ResourceModelInference, Capacity: 1000, RefillRate: 1000, Interval: time.Minute}
}

func TestEngine_SettleExactMatchIsNoopOnStore(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModeDirect, time.Minute)

	limits := []ActiveRateLimit{{ScopeKey: "s", Resource: ResourceModelInference, Limit: testLimit()}}
	adm, err := eng.admitDirect(context.Background(), limits, map[string]uint64{limits[0].Key(): 10})
	require.NoError(t, err)

	before := store.tokens[limits[0].Key()]
	err = eng.Settle(context.Background(), adm, Usage{ModelInferences: 10, Kind: UsageExact})
	require.NoError(t, err)
	assert.Equal(t, before, store.tokens[limits[0].Key()])
}

func TestEngine_SettleExactUnderestimateReturnsDifference(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModeDirect, time.Minute)

	limits := []ActiveRateLimit{{ScopeKey: "s", Resource: ResourceModelInference, Limit: testLimit()}}
	adm, err := eng.admitDirect(context.Background(), limits, map[string]uint64{limits[0].Key(): 10})
	require.NoError(t, err)

	before := store.tokens[limits[0].Key()]
	err = eng.Settle(context.Background(), adm, Usage{ModelInferences: 4, Kind: UsageExact})
	require.NoError(t, err)
	assert.Equal(t, before+6, store.tokens[limits[0].Key()])
}

func TestEngine_SettleUnderEstimateKindDoesNotReturnTokens(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModeDirect, time.Minute)

	limits := []ActiveRateLimit{{ScopeKey: "s", Resource: ResourceModelInference, Limit: testLimit()}}
	adm, err := eng.admitDirect(context.Background(), limits, map[string]uint64{limits[0].Key(): 10})
	require.NoError(t, err)

	before := store.tokens[limits[0].Key()]
	err = eng.Settle(context.Background(), adm, Usage{ModelInferences: 4, Kind: UsageUnderEstimate})
	require.NoError(t, err)
	assert.Equal(t, before, store.tokens[limits[0].Key()])
}

func TestEngine_SettleOverConsumeChargesExtra(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModeDirect, time.Minute)

	limits := []ActiveRateLimit{{ScopeKey: "s", Resource: ResourceModelInference, Limit: testLimit()}}
	adm, err := eng.admitDirect(context.Background(), limits, map[string]uint64{limits[0].Key(): 10})
	require.NoError(t, err)

	before := store.tokens[limits[0].Key()]
	err = eng.Settle(context.Background(), adm, Usage{ModelInferences: 15, Kind: UsageExact})
	require.NoError(t, err)
	assert.Equal(t, before-5, store.tokens[limits[0].Key()])
}

func TestEngine_SettlePooledUnderuseAccumulatesOnPool(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &RuleSet{}, ModePooled, time.Minute)

	key := "pooled-scope|ModelInference"
	limit := testLimit()
	pool := eng.registry.getOrCreate(key, limit)
	pool.tokensAvailable.Store(100)

	limits := []ActiveRateLimit{{ScopeKey: "pooled-scope", Resource: ResourceModelInference, Limit: limit}}
	adm := eng.finalizePooled(limits, map[string]uint64{key: 10}, []*TokenPool{pool})

	err := eng.Settle(context.Background(), adm, Usage{ModelInferences: 3, Kind: UsageExact})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), pool.drainUnused())
}

func TestEngine_SettleNilAdmissionIsNoop(t *testing.T) {
	eng := NewEngine(newFakeStore(), &RuleSet{}, ModeDirect, time.Minute)
	assert.NoError(t, eng.Settle(context.Background(), nil, Usage{}))
}
