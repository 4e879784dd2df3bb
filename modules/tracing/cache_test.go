package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:4317"
	cfg.CustomTracerCacheSize = 2
	cfg.CustomTracerIdleTTL = time.Hour
	cfg.ShutdownTimeout = time.Second
	cfg.ShutdownProgressInterval = 50 * time.Millisecond
	return cfg
}

func TestCustomTracerCache_GetOrCreateReusesEntry(t *testing.T) {
	tasks := newTaskTracker()
	c := newCustomTracerCache(testConfig(), tasks)
	t.Cleanup(func() { c.lru.Close() })

	p := ExtraParams{Headers: map[string]string{"x": "1"}}
	key := CanonicalKey(p)

	ct1, err := c.getOrCreate(context.Background(), key, p)
	require.NoError(t, err)

	ct2, err := c.getOrCreate(context.Background(), key, p)
	require.NoError(t, err)

	assert.Same(t, ct1, ct2)
	assert.EqualValues(t, 3, ct1.refs.Load()) // 1 held by cache + 2 request acquires
}

func TestCustomTracerCache_ReleaseLastHolderSchedulesShutdown(t *testing.T) {
	tasks := newTaskTracker()
	c := newCustomTracerCache(testConfig(), tasks)

	p := ExtraParams{Headers: map[string]string{"x": "1"}}
	key := CanonicalKey(p)

	ct, err := c.getOrCreate(context.Background(), key, p)
	require.NoError(t, err)

	// Drop the request's hold and the cache's own hold by evicting it.
	c.release(ct) // request hold
	c.shutdownAll()

	done := make(chan struct{})
	go func() {
		tasks.Wait(context.Background(), time.Hour, "test wait")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown task never completed")
	}
}

func TestCustomTracerCache_EvictsOverCapacity(t *testing.T) {
	tasks := newTaskTracker()
	cfg := testConfig()
	cfg.CustomTracerCacheSize = 1
	c := newCustomTracerCache(cfg, tasks)
	t.Cleanup(func() { c.lru.Close() })

	p1 := ExtraParams{Headers: map[string]string{"x": "1"}}
	p2 := ExtraParams{Headers: map[string]string{"x": "2"}}

	ct1, err := c.getOrCreate(context.Background(), CanonicalKey(p1), p1)
	require.NoError(t, err)
	c.release(ct1) // drop request hold, cache still holds it

	_, err = c.getOrCreate(context.Background(), CanonicalKey(p2), p2)
	require.NoError(t, err)

	// ct1 should have been evicted to make room; its refcount hit zero and
	// a shutdown task was scheduled.
	assert.Equal(t, int64(0), ct1.refs.Load())
}
