// Package cq implements the completion queue: a bounded
// single-producer/single-consumer ring of fixed-size completion tokens
// handed from the engine's workloop (producer) to whatever dispatches
// results back to callers (consumer).
package cq

import (
	"sync/atomic"

	"github.com/ohcifw/async-engine/internal/txn"
)

// Token is one completed transaction's result, sized to avoid any
// allocation on the hot completion path.
type Token struct {
	Label  uint8
	State  txn.State
	Result txn.Result
}

// Queue is a bounded SPSC ring. Push is called only from the workloop
// goroutine that drains AT/AR completions; Pop is called only from the
// single goroutine dispatching completions to clients. Neither side
// takes a lock: the ring uses atomic head/tail indices, matching the
// classic lock-free SPSC ring used throughout this driver's hot paths.
type Queue struct {
	buf  []Token
	mask uint64

	head atomic.Uint64 // next write index (producer-owned)
	tail atomic.Uint64 // next read index (consumer-owned)

	active      atomic.Bool
	clientBound atomic.Bool
	dropped     atomic.Uint64
}

// New returns a Queue with capacity rounded up to the next power of two.
func New(capacity int) *Queue {
	n := 1
	for n < capacity {
		n <<= 1
	}
	q := &Queue{buf: make([]Token, n), mask: uint64(n - 1)}
	q.active.Store(true)
	q.clientBound.Store(true)
	return q
}

// Push enqueues tok. If the queue is inactive, no client is bound, or
// the ring is full, the token is dropped and the drop counter
// incremented — a stalled or departed client must never block the
// workloop.
func (q *Queue) Push(tok Token) bool {
	if !q.active.Load() || !q.clientBound.Load() {
		q.dropped.Add(1)
		return false
	}
	head := q.head.Load()
	tail := q.tail.Load()
	if head-tail >= uint64(len(q.buf)) {
		q.dropped.Add(1)
		return false
	}
	q.buf[head&q.mask] = tok
	q.head.Store(head + 1)
	return true
}

// Pop dequeues the oldest token, if any.
func (q *Queue) Pop() (Token, bool) {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail >= head {
		return Token{}, false
	}
	tok := q.buf[tail&q.mask]
	q.tail.Store(tail + 1)
	return tok, true
}

// Len returns the number of tokens currently queued.
func (q *Queue) Len() int {
	return int(q.head.Load() - q.tail.Load())
}

// Dropped returns the cumulative count of tokens dropped because the
// queue was inactive or full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Deactivate stops further Push calls from succeeding, used when the
// engine is tearing down and no consumer will ever drain the queue again.
func (q *Queue) Deactivate() {
	q.active.Store(false)
}

// SetClientUnbound marks whether a user-space client is attached to
// consume completions. While unbound, Push drops tokens rather than
// queuing results nobody will ever drain.
func (q *Queue) SetClientUnbound(unbound bool) {
	q.clientBound.Store(!unbound)
}

// ClientBound reports whether a client is currently considered attached.
func (q *Queue) ClientBound() bool {
	return q.clientBound.Load()
}

// Active reports whether the queue still accepts pushes.
func (q *Queue) Active() bool {
	return q.active.Load()
}
