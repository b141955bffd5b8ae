// Package intentqueue is the bounded, single-consumer FIFO the bridge and
// engine enqueue intents onto for the mutation thread to drain one at a
// time. Intents must apply to canonical state strictly in arrival order,
// one at a time, on a single mutation thread, so the queue keeps only
// what that shape needs: a bounded channel, depth/rejection counters, and
// a non-blocking reject-on-overflow push — no priority levels, retries,
// or scaling.
package intentqueue

import (
	"context"
	"sync/atomic"

	"shellcore/internal/intent"
)

// Queue is a bounded FIFO of pending intents. Overflow is rejected rather
// than blocking the producer indefinitely, so a misbehaving or flooding
// chrome connection cannot stall the bridge.
type Queue struct {
	ch       chan intent.Intent
	depth    int64
	rejected int64
}

// New returns a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan intent.Intent, capacity)}
}

// TryPush enqueues in without blocking. It reports false if the queue is
// full; the caller (the bridge) reports that to chrome as a rejected
// intent rather than hanging the connection.
func (q *Queue) TryPush(in intent.Intent) bool {
	select {
	case q.ch <- in:
		atomic.AddInt64(&q.depth, 1)
		return true
	default:
		atomic.AddInt64(&q.rejected, 1)
		return false
	}
}

// Pop blocks until an intent is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (intent.Intent, bool) {
	select {
	case in := <-q.ch:
		atomic.AddInt64(&q.depth, -1)
		return in, true
	case <-ctx.Done():
		return intent.Intent{}, false
	}
}

// Release frees one slot reserved by a prior TryPush once its intent has
// finished processing. Callers that dequeue the intent through a separate
// channel (the supervisor's per-call result plumbing pairs TryPush with its
// own waiters channel rather than Pop) must call Release exactly once per
// successful TryPush, in the same order, so the bounded channel backing
// admission control does not silently fill forever.
func (q *Queue) Release() {
	select {
	case <-q.ch:
		atomic.AddInt64(&q.depth, -1)
	default:
	}
}

// Depth returns the current queue length.
func (q *Queue) Depth() int64 { return atomic.LoadInt64(&q.depth) }

// Rejected returns the cumulative count of TryPush calls that found the
// queue full.
func (q *Queue) Rejected() int64 { return atomic.LoadInt64(&q.rejected) }
