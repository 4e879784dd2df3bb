package tracing

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/go-kit/log/level"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// customTracerCache is the spec.md §3/§4.A bounded, idle-evicting cache:
// max 32 entries, 1h idle TTL, atomic get-or-insert. Grounded on the
// teacher's go.mod dependency github.com/hashicorp/golang-lru/v2, whose
// expirable.LRU is exactly this policy (size cap + TTL, with its own
// background purge goroutine).
type customTracerCache struct {
	mu       sync.Mutex
	lru      *lru.LRU[string, *CustomTracer]
	tasks    *taskTracker
	cfg      Config
}

func newCustomTracerCache(cfg Config, tasks *taskTracker) *customTracerCache {
	c := &customTracerCache{cfg: cfg, tasks: tasks}
	c.lru = lru.NewLRU[string, *CustomTracer](cfg.CustomTracerCacheSize, c.onEvict, cfg.CustomTracerIdleTTL)
	return c
}

// onEvict runs under the LRU's internal lock (size-cap eviction) or from its
// background purge goroutine (TTL eviction). Either way it must not block,
// so the actual shutdown is spawned onto the tracked task set (spec.md
// §4.A "On eviction or drop of the last holder, the underlying exporter is
// shut down asynchronously by spawning onto a tracked task set").
func (c *customTracerCache) onEvict(_ string, ct *CustomTracer) {
	if ct.release() {
		c.scheduleShutdown(ct)
	}
}

func (c *customTracerCache) scheduleShutdown(ct *CustomTracer) {
	c.tasks.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()
		if err := ct.shutdown(ctx); err != nil {
			level.Error(log.Logger).Log("msg", "custom tracer shutdown failed", "key", ct.key, "err", err)
		}
	})
}

// getOrCreate returns the CustomTracer for key, building it if this is the
// first request to use it, and acquiring one reference on behalf of the
// caller's in-flight request (spec.md §3 "shared among concurrent requests
// with matching key" via reference counting).
func (c *customTracerCache) getOrCreate(ctx context.Context, key string, p ExtraParams) (*CustomTracer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ct, ok := c.lru.Get(key); ok {
		ct.acquire()
		return ct, nil
	}

	ct, err := buildCustomTracer(ctx, c.cfg, key, p)
	if err != nil {
		return nil, err
	}
	ct.acquire() // one for this request, in addition to the cache's own hold
	c.lru.Add(key, ct)
	return ct, nil
}

// release drops the per-request reference obtained from getOrCreate. Called
// when the top-level HTTP span that requested the tracer closes.
func (c *customTracerCache) release(ct *CustomTracer) {
	if ct.release() {
		c.scheduleShutdown(ct)
	}
}

// shutdownAll evicts and schedules shutdown for every live entry -- used by
// Dispatcher.Shutdown phase 2. It also stops the expirable LRU's own
// background TTL-purge goroutine: once the dispatcher is shutting down, no
// further evictions need that sweep, and leaving it running past process
// shutdown is exactly the kind of leak spec.md §9's Drop-hook open question
// warns about.
func (c *customTracerCache) shutdownAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		c.lru.Remove(key) // triggers onEvict, which schedules shutdown
	}
	c.lru.Close()
}

// taskTracker is the "tracked task set" referenced throughout spec.md §4.A:
// a WaitGroup that can report its wait progress on a fixed cadence, used for
// both the in-flight-span close and the shutdown-task await (spec.md
// "wait with 5-second progress logging").
type taskTracker struct {
	wg sync.WaitGroup
}

func newTaskTracker() *taskTracker { return &taskTracker{} }

func (t *taskTracker) Go(f func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		f()
	}()
}

// Add and Done let a caller track a task whose lifetime it owns directly
// (the in-flight-request guard spans an HTTP handler's execution, not a
// goroutine spawned by this package).
func (t *taskTracker) Add(n int) { t.wg.Add(n) }
func (t *taskTracker) Done()     { t.wg.Done() }

// Wait blocks until every tracked task completes, logging progress every
// interval -- or returns early once ctx is done, in which case the
// remaining tasks are abandoned (spec.md: "On timeout the operation is
// abandoned").
func (t *taskTracker) Wait(ctx context.Context, interval time.Duration, msg string) {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			level.Warn(log.Logger).Log("msg", msg+" timed out, abandoning remaining tasks")
			return
		case <-ticker.C:
			level.Info(log.Logger).Log("msg", msg+" still waiting")
		}
	}
}
