// Package bus holds the inbound side of the bridge: messages addressed to the
// engine wait here until the engine pulls them.
//
// The engine never receives pushes. It calls DrainAll (or Next) from its own
// loop whenever it is ready, so producers and the engine only meet under a
// short critical section.
package bus

import (
	"sync"

	"github.com/devosoft/avida-bridge/pkg/message"
)

// Queue is a FIFO of messages awaiting delivery to the engine.
type Queue struct {
	mu      sync.Mutex
	items   []message.Message
	pushed  uint64
	drained uint64
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends msg to the tail. It never blocks on the consumer side.
func (q *Queue) Push(msg message.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.pushed++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default: // already signalled
	}
}

// DrainAll removes and returns every queued message in arrival order.
// An empty queue yields an empty, non-nil slice.
func (q *Queue) DrainAll() []message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	q.drained += uint64(len(out))
	if out == nil {
		out = []message.Message{}
	}
	return out
}

// Next pops the head of the queue, leaving the rest in place.
func (q *Queue) Next() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return message.Message{}, false
	}
	head := q.items[0]
	q.items[0] = message.Message{}
	q.items = q.items[1:]
	q.drained++
	return head, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after a push. It coalesces: one pending signal may
// stand for many pushes. Engines that can block use it instead of polling.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}

// Stats reports lifetime counters for diagnostics.
func (q *Queue) Stats() (pushed, drained uint64, depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.drained, len(q.items)
}
