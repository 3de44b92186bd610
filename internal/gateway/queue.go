// Package gateway terminates client sessions: it decodes inbound frames,
// dispatches them to the conversation router, and drains each session's
// bounded outbound queue onto its connection.
package gateway

import (
	"errors"
	"sync"

	"github.com/tbourn/go-chat-core/internal/events"
)

// ErrQueueOverflow is returned when a critical event cannot be queued
// because every queued event is critical too.
var ErrQueueOverflow = errors.New("outbound queue overflow")

// Queue is a bounded FIFO of outbound events. When full, it sheds the
// oldest droppable event to make room; an incoming droppable event with
// nothing to shed is itself dropped.
type Queue struct {
	mu     sync.Mutex
	items  []events.Outbound
	limit  int
	closed bool
	ready  chan struct{}
}

// NewQueue returns a queue holding at most limit events.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 256
	}
	return &Queue{
		items: make([]events.Outbound, 0, limit),
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues ev without blocking. dropped is the event shed to make room
// (possibly ev itself), or nil. A closed queue silently discards ev.
func (q *Queue) Push(ev events.Outbound) (dropped events.Outbound, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil
	}
	if len(q.items) >= q.limit {
		idx := -1
		for i, it := range q.items {
			if !it.Critical() {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			dropped = q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		case !ev.Critical():
			return ev, nil
		default:
			return nil, ErrQueueOverflow
		}
	}
	q.items = append(q.items, ev)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped, nil
}

// Next blocks until an event is available, the queue is closed, or done is
// closed. ok is false when no event will follow.
func (q *Queue) Next(done <-chan struct{}) (events.Outbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.ready:
		case <-done:
			return nil, false
		}
	}
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting events and wakes a blocked Next. Events already
// queued are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
