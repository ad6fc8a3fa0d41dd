package session

import (
	"sync"

	"github.com/srg/blerec/internal/device"
)

// queued is a transport event tagged with the handle generation it belongs to.
type queued struct {
	gen      uint64
	ev       device.Event
	watchdog bool
}

// eventQueue is an unbounded multi-producer, single-consumer queue. Producers
// are transport callbacks and must never block.
type eventQueue struct {
	mu     sync.Mutex
	items  []queued
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(item queued) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return queued{}, false
	}
	item := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]
	return item, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
