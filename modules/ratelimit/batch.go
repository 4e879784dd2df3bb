package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tensorzero/gateway-core/pkg/idgen"
)

const defaultBatchTimeout = 25 * time.Millisecond

// waiter is one caller blocked in batchBuffer.join, awaiting the result of
// the batch window's DB borrow.
type waiter struct {
	tokens   uint64
	resultCh chan error
}

// flushFunc performs the DB borrow for a drained batch window and notifies
// every waiter by closing over resultCh. It is supplied by the engine,
// which alone knows about the Store; the owning pool is bound by the
// caller's closure (see registry.getOrCreate), not passed here.
type flushFunc func(batchID string, waiters []*waiter, sumTokensNeeded uint64)

// batchBuffer is the single-writer per-pool buffer of spec.md §4.B
// "Batching buffer": a waiter queue drained either when its timer fires or
// on an explicit flush, in both cases performing exactly one DB borrow for
// the whole window's demand.
type batchBuffer struct {
	mu      sync.Mutex
	waiters []*waiter
	open    bool
	batchID string
	timer   *time.Timer
	timeout time.Duration
	onFlush flushFunc
}

func newBatchBuffer(_ *TokenPool) *batchBuffer {
	return &batchBuffer{timeout: defaultBatchTimeout}
}

func (b *batchBuffer) setFlushFunc(f flushFunc) { b.onFlush = f }

// join implements join_or_open: open a batch window if none is active,
// otherwise append to the open one, then block until the window flushes
// or ctx is cancelled. Cancellation is cheap and cancel-safe: the waiter
// removes itself from the queue before any flush has claimed it (spec.md
// §5 "dropping a waiter before its batch flushes removes it from the
// queue").
func (b *batchBuffer) join(ctx context.Context, tokensNeeded uint64) error {
	w := &waiter{tokens: tokensNeeded, resultCh: make(chan error, 1)}

	b.mu.Lock()
	b.waiters = append(b.waiters, w)
	if !b.open {
		b.open = true
		b.batchID = idgen.New().String()
		b.timer = time.AfterFunc(b.timeout, b.flushNow)
	}
	b.mu.Unlock()

	select {
	case err := <-w.resultCh:
		return err
	case <-ctx.Done():
		b.remove(w)
		return ctx.Err()
	}
}

func (b *batchBuffer) remove(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ww := range b.waiters {
		if ww == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// flushNow drains the queue under lock and runs the DB borrow. The batch
// window's timer is its only caller.
func (b *batchBuffer) flushNow() {
	b.mu.Lock()
	waiters := b.waiters
	batchID := b.batchID
	b.waiters = nil
	b.open = false
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	if len(waiters) == 0 || b.onFlush == nil {
		return
	}
	var sum uint64
	for _, w := range waiters {
		sum += w.tokens
	}
	b.onFlush(batchID, waiters, sum)
}

// notifyAll delivers the same result to every waiter from a drained batch
// (spec.md §4.B DB borrow: "notify every waiter with Success" / Error).
func notifyAll(waiters []*waiter, err error) {
	for _, w := range waiters {
		w.resultCh <- err
	}
}
