package ebus

import (
	"fmt"
	"sync"
	"time"
)

// DefaultQueueCapacity is the number of outbound telegrams that may wait
// for the bus.
const DefaultQueueCapacity = 20

// OutboundRequest is a telegram waiting in the output queue.
type OutboundRequest struct {
	Telegram Telegram
	Enqueued time.Time
}

// OutputQueue is a bounded FIFO of outbound telegrams.
// Enqueue never blocks; a full queue rejects the telegram.
//
// Thread Safety: All methods are safe for concurrent use.
type OutputQueue struct {
	mu       sync.Mutex
	items    []OutboundRequest
	capacity int
	ready    chan struct{}
}

// NewOutputQueue creates a queue holding at most capacity telegrams.
// A non-positive capacity selects DefaultQueueCapacity.
func NewOutputQueue(capacity int) *OutputQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OutputQueue{
		items:    make([]OutboundRequest, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue appends t, or returns ErrQueueFull.
func (q *OutputQueue) Enqueue(t Telegram) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d telegrams pending", ErrQueueFull, q.capacity)
	}
	q.items = append(q.items, OutboundRequest{Telegram: t, Enqueued: time.Now()})
	q.mu.Unlock()

	// Non-blocking signal for the transmitter
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Peek returns the head without removing it.
func (q *OutputQueue) Peek() (OutboundRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboundRequest{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the head.
func (q *OutputQueue) Pop() (OutboundRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboundRequest{}, false
	}
	head := q.items[0]
	q.items[0] = OutboundRequest{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = make([]OutboundRequest, 0, q.capacity)
	}
	return head, true
}

// Discard drops every pending telegram and returns how many were dropped.
func (q *OutputQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = make([]OutboundRequest, 0, q.capacity)
	return n
}

// Len returns the number of pending telegrams.
func (q *OutputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *OutputQueue) Cap() int {
	return q.capacity
}

// Ready is signalled after an Enqueue. It is buffered so a signal sent
// while the transmitter is busy is not lost.
func (q *OutputQueue) Ready() <-chan struct{} {
	return q.ready
}
