package pipeline

import (
	"sync"

	"github.com/roach88/relay/internal/executor"
	"github.com/roach88/relay/internal/push"
)

// eventKind distinguishes loop events.
type eventKind int

const (
	// eventSubmit carries a new instruction from Dispatch.
	eventSubmit eventKind = iota + 1
	// eventDelivery carries a transport outcome from a send goroutine.
	eventDelivery
	// eventPush carries a push notification.
	eventPush
	// eventTimeout fires when an instruction's entry timeout elapses.
	eventTimeout
	// eventExpire fires when the tracker evicts a pending transaction by TTL.
	eventExpire
	// eventBarrier is answered once every earlier event has been processed.
	eventBarrier
)

func (k eventKind) String() string {
	switch k {
	case eventSubmit:
		return "submit"
	case eventDelivery:
		return "delivery"
	case eventPush:
		return "push"
	case eventTimeout:
		return "timeout"
	case eventExpire:
		return "expire"
	case eventBarrier:
		return "barrier"
	}
	return "unknown"
}

// event is the unit of work of the Run loop. Exactly one payload field is set
// according to kind.
type event struct {
	kind       eventKind
	submission *submission
	delivery   executor.Delivery
	push       push.Event
	id         string
	done       chan struct{}
}

// eventQueue is a thread-safe unbounded FIFO of loop events.
//
// Producers are Dispatch callers, send goroutines, timers, the tracker
// janitor and push subscribers; the Run loop is the only consumer. The
// buffered signal channel (size 1) lets the loop wait with select alongside
// context cancellation.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	// Drop the reference so the backing array does not pin payloads.
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns the signal channel. It is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes the consumer. Idempotent.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
