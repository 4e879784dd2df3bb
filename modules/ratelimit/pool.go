package ratelimit

import (
	"time"

	"go.uber.org/atomic"
)

const (
	defaultExhaustionBackoffBase = 200 * time.Millisecond
	defaultExhaustionBackoffMax  = 8 * time.Second
)

// exhaustionBackoff is the per-pool timer of spec.md §4.B "Exhaustion
// backoff": armed whenever the store reports zero tickets available,
// short-circuiting Phase 1 to an immediate reject while it holds. The
// cooldown doubles on repeated exhaustion, capped at a maximum.
type exhaustionBackoff struct {
	armed    atomic.Bool
	until    atomic.Int64 // UnixNano
	cooldown atomic.Int64 // nanoseconds
}

func (b *exhaustionBackoff) arm() {
	cd := b.cooldown.Load()
	if cd == 0 {
		cd = int64(defaultExhaustionBackoffBase)
	} else {
		cd *= 2
		if cd > int64(defaultExhaustionBackoffMax) {
			cd = int64(defaultExhaustionBackoffMax)
		}
	}
	b.cooldown.Store(cd)
	b.until.Store(time.Now().Add(time.Duration(cd)).UnixNano())
	b.armed.Store(true)
}

func (b *exhaustionBackoff) disarm() {
	b.armed.Store(false)
	b.cooldown.Store(0)
}

// active reports whether the backoff still holds, clearing the armed flag
// once it has elapsed.
func (b *exhaustionBackoff) active() bool {
	if !b.armed.Load() {
		return false
	}
	if time.Now().UnixNano() >= b.until.Load() {
		b.armed.Store(false)
		return false
	}
	return true
}

// TokenPool is the in-memory per-(scope_key, resource) pool of spec.md §3.
// Its tokensAvailable counter is consumed via lock-free CAS so Phase 1
// admission never blocks on another limit's pool (spec.md §4.B Phase 1:
// "No locks across limits").
type TokenPool struct {
	Key   string
	Limit Limit

	tokensAvailable atomic.Uint64
	totalBorrowed   atomic.Uint64
	unusedTokens    atomic.Uint64

	estimator  *p99Estimator
	backoff    exhaustionBackoff
	batch      *batchBuffer
	borrowsDone atomic.Int64

	lastActivity atomic.Int64 // UnixNano, for idle eviction
}

func newTokenPool(key string, limit Limit) *TokenPool {
	p := &TokenPool{Key: key, Limit: limit, estimator: newP99Estimator(64)}
	p.batch = newBatchBuffer(p)
	p.touch()
	return p
}

func (p *TokenPool) touch() { p.lastActivity.Store(time.Now().UnixNano()) }

func (p *TokenPool) idleSince() time.Duration {
	return time.Since(time.Unix(0, p.lastActivity.Load()))
}

// tryConsume is the Phase 1/Phase 3 "local CAS-style consume" of spec.md
// §4.B. It either fully succeeds or leaves tokensAvailable untouched.
// Exhaustion backoff is checked by the caller before Phase 1 runs at all
// (admitPooled's pre-check), not here -- once backoff is armed, the store
// must not be reached again until it expires, and Phase 2/3 is exactly
// that: batching buffers and retries that end in a store call.
func (p *TokenPool) tryConsume(amount uint64) bool {
	for {
		cur := p.tokensAvailable.Load()
		if cur < amount {
			return false
		}
		if p.tokensAvailable.CompareAndSwap(cur, cur-amount) {
			p.touch()
			return true
		}
	}
}

// rollback reverses a tryConsume (spec.md §4.B Phase 2/3 rollback of
// preceding successes).
func (p *TokenPool) rollback(amount uint64) {
	p.tokensAvailable.Add(amount)
}

// recordBorrow applies the result of a successful DB borrow: tokens are
// added to the pool and the store ledger total grows by the same amount
// (spec.md §4.B "add tokens to the pool").
func (p *TokenPool) recordBorrow(amount uint64) {
	p.tokensAvailable.Add(amount)
	p.totalBorrowed.Add(amount)
	p.borrowsDone.Inc()
	p.backoff.disarm()
	p.touch()
}

// recordExhausted arms the exhaustion backoff after a DB borrow returned
// zero tickets consumed.
func (p *TokenPool) recordExhausted() { p.backoff.arm() }

// BorrowedOutstanding is the spec.md §3 invariant term: tokens handed to
// admitted requests and not yet available for reuse.
func (p *TokenPool) BorrowedOutstanding() uint64 {
	return p.totalBorrowed.Load() - p.tokensAvailable.Load()
}

// addUnused records settlement underuse to be flushed back to the store at
// shutdown (spec.md §4.B Post-admission settlement, Exact+under-estimate
// case).
func (p *TokenPool) addUnused(amount uint64) { p.unusedTokens.Add(amount) }

// drainUnused returns and zeroes the accumulated unused-token count, for
// the shutdown flush.
func (p *TokenPool) drainUnused() uint64 {
	return p.unusedTokens.Swap(0)
}

// borrowAmount computes spec.md §4.B's borrow_amount for the next DB
// borrow: before enough history exists, a cold-start heuristic projects
// this window's queued demand forward by a fixed horizon; once
// coldStartBatches DB borrows have completed, that same horizon is applied
// to the larger of the queued demand and the P99
// of recent demand instead, so a steady stream of small sequential
// admissions still borrows ahead rather than round-tripping the store on
// nearly every admission. Either way, the result is capped by an adaptive
// ceiling and never undercuts what this window actually needs.
func (p *TokenPool) borrowAmount(queuedDemand uint64) uint64 {
	const coldStartBatches = 3
	const borrowHorizonMultiplier = 10
	const adaptiveCeilingFraction = 0.25

	ceiling := uint64(float64(p.Limit.Capacity) * adaptiveCeilingFraction)
	if ceiling == 0 {
		ceiling = p.Limit.Capacity
	}

	basis := queuedDemand
	if p.borrowsDone.Load() >= coldStartBatches {
		if p99 := p.estimator.P99(); p99 > basis {
			basis = p99
		}
	}

	amount := basis * borrowHorizonMultiplier
	if amount > ceiling {
		amount = ceiling
	}
	if amount < queuedDemand {
		amount = queuedDemand
	}
	return amount
}
