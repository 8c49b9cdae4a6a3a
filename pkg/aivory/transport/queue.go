// queue.go implements the outbound message queue between Write and the
// send duty.

package transport

import (
	"context"
	"sync"
)

// outbound is one encoded message. record distinguishes exception
// messages from heartbeats for accounting.
type outbound struct {
	data   []byte
	record bool
}

// queue is a FIFO of encoded messages with a non-blocking notification
// channel for the consumer. With a positive limit it drops the oldest
// message to make room; otherwise it grows without bound.
type queue struct {
	mu       sync.Mutex
	items    []outbound
	limit    int
	inflight int
	empty    chan struct{}
	notify   chan struct{}
}

func newQueue(limit int) *queue {
	return &queue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push appends msg and reports whether an older message was evicted.
func (q *queue) push(msg outbound) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = outbound{}
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, msg)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// pop removes the oldest message. The caller must call done once the
// message has been written or abandoned.
func (q *queue) pop() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return outbound{}, false
	}
	msg := q.items[0]
	q.items[0] = outbound{}
	q.items = q.items[1:]
	q.inflight++
	return msg, true
}

func (q *queue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	q.signalIfEmpty()
}

// reset discards all queued messages and returns how many were dropped.
func (q *queue) reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = nil
	q.signalIfEmpty()
	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wait blocks until the queue is empty with nothing in flight, or ctx is done.
func (q *queue) wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 && q.inflight == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.empty == nil {
			q.empty = make(chan struct{})
		}
		empty := q.empty
		q.mu.Unlock()

		select {
		case <-empty:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// signalIfEmpty wakes waiters. Must be called with q.mu held.
func (q *queue) signalIfEmpty() {
	if len(q.items) == 0 && q.inflight == 0 && q.empty != nil {
		close(q.empty)
		q.empty = nil
	}
}

func (q *queue) ready() <-chan struct{} {
	return q.notify
}
