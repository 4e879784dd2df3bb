package ratelimit

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"golang.org/x/sync/errgroup"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// Mode selects between synchronous per-request store hits and the
// in-memory pooled fast path (spec.md §4.B Modes).
type Mode string

const (
	ModeDirect Mode = "Direct"
	ModePooled Mode = "Pooled"
)

const defaultShutdownTimeout = 5 * time.Second

// Receipt is the synthetic admission receipt of spec.md §4.B Phase 1.
type Receipt struct {
	Key              string
	TicketsRemaining uint64
	TicketsConsumed  uint64
	RecordedEpoch    int64
}

// Admission is returned by Engine.Admit and must be passed back to Settle
// once the guarded operation's actual usage is known.
type Admission struct {
	mode      Mode
	limits    []ActiveRateLimit
	requested map[string]uint64
	Receipts  []Receipt
}

// Engine is the spec.md §4.B Rate Limiting Engine: admits requests against
// N simultaneous resource limits, in Direct or Pooled mode, with a shared
// durable Store as the source of truth. Grounded on the same
// dskit/services.Service shape as tracing.Dispatcher and batch.Lifecycle
// (modules/backendscheduler.BackendScheduler), so a caller wiring up the
// whole process can start/stop all three core components uniformly.
type Engine struct {
	services.Service

	store           Store
	rules           *RuleSet
	mode            Mode
	registry        *registry
	shutdownTimeout time.Duration
}

func NewEngine(store Store, rules *RuleSet, mode Mode, idleTTL time.Duration) *Engine {
	e := &Engine{store: store, rules: rules, mode: mode, shutdownTimeout: defaultShutdownTimeout}
	e.registry = newRegistry(store, mode, idleTTL)
	e.registry.borrowDone = e.onBatchFlush
	e.Service = services.NewBasicService(nil, e.running, e.stopping)
	return e
}

func (e *Engine) running(ctx context.Context) error {
	level.Info(log.Logger).Log("msg", "rate limiting engine running")
	<-ctx.Done()
	return nil
}

func (e *Engine) stopping(_ error) error {
	return e.Shutdown(context.Background())
}

func amountFor(r Resource, tokens, modelInferences uint64) uint64 {
	if r == ResourceToken {
		return tokens
	}
	return modelInferences
}

// Admit guards a request against every ActiveRateLimit matching scope. An
// empty match list admits unconditionally (spec.md §4.B Resource model).
func (e *Engine) Admit(ctx context.Context, scope Scope, estimate Estimate) (*Admission, error) {
	limits := e.rules.Match(scope)
	if len(limits) == 0 {
		return &Admission{mode: e.mode, requested: map[string]uint64{}}, nil
	}

	requested := make(map[string]uint64, len(limits))
	for _, lim := range limits {
		requested[lim.Key()] = amountFor(lim.Resource, estimate.Tokens, estimate.ModelInferences)
	}

	if e.mode == ModeDirect {
		return e.admitDirect(ctx, limits, requested)
	}
	return e.admitPooled(ctx, limits, requested)
}

func (e *Engine) admitDirect(ctx context.Context, limits []ActiveRateLimit, requested map[string]uint64) (*Admission, error) {
	reqs := make([]Consume, 0, len(limits))
	for _, lim := range limits {
		reqs = append(reqs, Consume{
			Key: lim.Key(), Capacity: lim.Limit.Capacity, RefillAmount: lim.Limit.RefillRate,
			RefillInterval: int64(lim.Limit.Interval.Seconds()), Requested: requested[lim.Key()],
		})
	}
	receipts, err := e.store.ConsumeTickets(ctx, reqs)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, err, "rate limit store consume failed")
	}

	var failed []FailedRateLimit
	out := make([]Receipt, 0, len(receipts))
	for i, r := range receipts {
		lim := limits[i]
		if !r.Success {
			failed = append(failed, FailedRateLimit{
				Key: r.Key, Requested: requested[lim.Key()], Available: 0,
				Resource: lim.Resource, ScopeKey: lim.ScopeKey,
			})
			continue
		}
		epoch := int64(0)
		if r.RecordedEpoch != nil {
			epoch = *r.RecordedEpoch
		}
		out = append(out, Receipt{Key: r.Key, TicketsRemaining: r.TicketsRemaining, TicketsConsumed: r.TicketsConsumed, RecordedEpoch: epoch})
	}
	if len(failed) > 0 {
		return nil, rateLimitExceeded(failed)
	}
	return &Admission{mode: ModeDirect, limits: limits, requested: requested, Receipts: out}, nil
}

// admitPooled runs the three phases of spec.md §4.B Pooled admission.
func (e *Engine) admitPooled(ctx context.Context, limits []ActiveRateLimit, requested map[string]uint64) (*Admission, error) {
	pools := make([]*TokenPool, len(limits))
	for i, lim := range limits {
		pools[i] = e.registry.getOrCreate(lim.Key(), lim.Limit)
	}

	// Pre-check: reject immediately if any pool is in exhaustion backoff,
	// before Phase 1 even runs. This is the only place backoff is checked;
	// spec.md §8 scenario 5 requires that once the store reports zero
	// tickets, subsequent admissions fail fast with no new store call, and
	// letting a request fall through to Phase 2/3 would always end in one
	// (the batch flush's DB borrow).
	for i, lim := range limits {
		if pools[i].backoff.active() {
			return nil, rateLimitExceeded([]FailedRateLimit{{
				Key: lim.Key(), Requested: requested[lim.Key()], Available: 0,
				Resource: lim.Resource, ScopeKey: lim.ScopeKey,
			}})
		}
	}

	// Phase 1: fast path, no locks across limits.
	allOK := true
	succeededUpTo := -1
	for i, lim := range limits {
		if !pools[i].tryConsume(requested[lim.Key()]) {
			allOK = false
			break
		}
		succeededUpTo = i
	}
	if allOK {
		return e.finalizePooled(limits, requested, pools), nil
	}

	// Roll back whatever Phase 1 did manage to consume before this point
	// (spec.md §4.B Phase 2: "roll back Phase 1 successes").
	for i := 0; i <= succeededUpTo; i++ {
		pools[i].rollback(requested[limits[i].Key()])
	}

	// Phase 2: batching. Only limits that didn't succeed in Phase 1 join --
	// a pool that already had enough local tokens (then rolled back above)
	// doesn't need another store round-trip, and joining it anyway would
	// hand it fresh borrowed tokens it never asked for. Join concurrently;
	// a request blocked on limit A's batch window must not also block
	// limit B's window from flushing on schedule.
	g, gctx := errgroup.WithContext(ctx)
	for i := succeededUpTo + 1; i < len(limits); i++ {
		i, lim := i, limits[i]
		g.Go(func() error {
			return pools[i].batch.join(gctx, requested[lim.Key()])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, err, "rate limit batch flush failed")
	}

	// Phase 3: retry every limit; no fall-through to the store on failure.
	var failed []FailedRateLimit
	succeeded := 0
	for i, lim := range limits {
		if pools[i].tryConsume(requested[lim.Key()]) {
			succeeded++
			continue
		}
		failed = append(failed, FailedRateLimit{
			Key: lim.Key(), Requested: requested[lim.Key()], Available: 0,
			Resource: lim.Resource, ScopeKey: lim.ScopeKey,
		})
	}
	if len(failed) > 0 {
		// Roll back the limits that did succeed in this phase.
		for i, lim := range limits {
			if !containsFailed(failed, lim.Key()) {
				pools[i].rollback(requested[lim.Key()])
			}
		}
		return nil, rateLimitExceeded(failed)
	}

	return e.finalizePooled(limits, requested, pools), nil
}

func containsFailed(failed []FailedRateLimit, key string) bool {
	for _, f := range failed {
		if f.Key == key {
			return true
		}
	}
	return false
}

func (e *Engine) finalizePooled(limits []ActiveRateLimit, requested map[string]uint64, pools []*TokenPool) *Admission {
	out := make([]Receipt, 0, len(limits))
	for i, lim := range limits {
		amt := requested[lim.Key()]
		pools[i].estimator.Record(amt)
		out = append(out, Receipt{
			Key: lim.Key(), TicketsRemaining: pools[i].tokensAvailable.Load(),
			TicketsConsumed: amt, RecordedEpoch: time.Now().Unix(),
		})
	}
	return &Admission{mode: ModePooled, limits: limits, requested: requested, Receipts: out}
}

// Shutdown implements spec.md §4.B Shutdown: for every non-empty pool,
// compute unused_tokens and return them to the store in one call, bounded
// by a wall-clock timeout. On timeout the operation is abandoned -- tokens
// stay "borrowed" until the store's own refill recovers them -- and the
// timeout is logged, never surfaced to the caller (spec.md §4.B Failure
// semantics: "Shutdown errors are logged, never surfaced").
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	var reqs []Return
	for _, pool := range e.registry.all() {
		unused := pool.drainUnused()
		if unused == 0 {
			continue
		}
		reqs = append(reqs, Return{
			Key: pool.Key, Capacity: pool.Limit.Capacity, RefillAmount: pool.Limit.RefillRate,
			RefillInterval: int64(pool.Limit.Interval.Seconds()), Returned: unused,
		})
	}
	if len(reqs) == 0 {
		return nil
	}

	if _, err := e.store.ReturnTickets(ctx, reqs); err != nil {
		level.Warn(log.Logger).Log("msg", "rate limit shutdown token return failed or timed out, tokens remain borrowed until store refill", "err", err)
		return nil
	}
	return nil
}

// onBatchFlush is registry.borrowDone: it performs the DB borrow described
// in spec.md §4.B "DB borrow" and notifies every waiter in the drained
// window. The owning pool is bound by the closure registry.getOrCreate
// installs on the pool's batchBuffer, so this method never has to look it
// up independently.
func (e *Engine) onBatchFlush(pool *TokenPool, _ string, waiters []*waiter, sumNeeded uint64) {
	ctx := context.Background()
	amount := pool.borrowAmount(sumNeeded)
	receipts, err := e.store.ConsumeTickets(ctx, []Consume{{
		Key: pool.Key, Capacity: pool.Limit.Capacity, RefillAmount: pool.Limit.RefillRate,
		RefillInterval: int64(pool.Limit.Interval.Seconds()), Requested: amount,
	}})
	if err != nil {
		// DB error: do not arm backoff, it may be transient.
		level.Warn(log.Logger).Log("msg", "rate limit store borrow failed", "key", pool.Key, "err", err)
		notifyAll(waiters, err)
		return
	}

	r := receipts[0]
	if r.TicketsConsumed == 0 {
		pool.recordExhausted()
		level.Warn(log.Logger).Log("msg", "rate limit store exhausted, arming backoff", "key", pool.Key, "requested", sumNeeded)
		notifyAll(waiters, rateLimitExceeded([]FailedRateLimit{{Key: pool.Key, Requested: sumNeeded}}))
		return
	}
	pool.recordBorrow(r.TicketsConsumed)
	notifyAll(waiters, nil)
}
