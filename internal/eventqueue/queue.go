// Package eventqueue provides the per-request delivery channel between the
// back-channel demultiplexer and the request handler.
//
// DESIGN: One producer (the channel registry) and one consumer (the request
// handler) per queue. Events are handed to the oldest pending waiter when
// one exists, otherwise buffered. FIFO order is preserved across buffered
// and future events, and no accepted event is lost or delivered twice.
package eventqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relayforge/webrelay/internal/wire"
)

var (
	// ErrTimeout is returned when no event arrives within the dequeue bound.
	ErrTimeout = errors.New("eventqueue: dequeue timed out")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("eventqueue: queue closed")
)

// Queue is an ordered single-producer single-consumer event channel.
type Queue struct {
	mu      sync.Mutex
	backlog []wire.Event
	waiters []chan wire.Event
	closed  bool
}

// New creates an empty open queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue accepts an event. If a waiter is pending the event is handed to
// the oldest one directly, otherwise it is buffered. Enqueue on a closed
// queue is a no-op.
func (q *Queue) Enqueue(ev wire.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		// Buffered size 1, the waiter is guaranteed to receive it.
		w <- ev
		return
	}
	q.backlog = append(q.backlog, ev)
}

// Dequeue pops the oldest event. If the backlog is empty it blocks until an
// event arrives, the timeout elapses (ErrTimeout), the queue is closed
// (ErrClosed), or the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (wire.Event, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return wire.Event{}, ErrClosed
	}
	if len(q.backlog) > 0 {
		ev := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()
		return ev, nil
	}

	w := make(chan wire.Event, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-w:
		if !ok {
			return wire.Event{}, ErrClosed
		}
		return ev, nil
	case <-timer.C:
		// Lost the race if an enqueue or close grabbed the waiter first.
		if ev, ok, closed := q.abandon(w); ok {
			return ev, nil
		} else if closed {
			return wire.Event{}, ErrClosed
		}
		return wire.Event{}, ErrTimeout
	case <-ctx.Done():
		if ev, ok, closed := q.abandon(w); ok {
			return ev, nil
		} else if closed {
			return wire.Event{}, ErrClosed
		}
		return wire.Event{}, ctx.Err()
	}
}

// abandon removes w from the waiter list. If an event was already handed to
// it, that event is returned so it is not lost.
func (q *Queue) abandon(w chan wire.Event) (ev wire.Event, delivered bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return wire.Event{}, false, false
		}
	}
	// Not in the list: either an enqueue delivered into w, or Close closed it.
	select {
	case ev, ok := <-w:
		if ok {
			return ev, true, false
		}
		return wire.Event{}, false, true
	default:
		return wire.Event{}, false, q.closed
	}
}

// Close shuts the queue down: pending waiters fail with ErrClosed, the
// backlog is discarded, and all later Enqueue/Dequeue calls are rejected.
// Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
	q.backlog = nil
}

// Drain discards all buffered events and reports how many were dropped.
// Retry paths call it before re-forwarding a request so stale frames from
// a failed attempt cannot satisfy the next one.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.backlog)
	q.backlog = nil
	return n
}

// Len reports the number of buffered events. Used by tests and the status
// surface.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}
