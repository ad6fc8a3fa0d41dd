// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is
// discarded and handed back to the producer so the loss can be reported.
// Consumers read from C() like from any Go channel.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    if old, dropped := rc.Push(i); dropped {
//	        log.Printf("dropped %d", old)
//	    }
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println("got:", v) // 7, 8, 9
//	}
type RingChannel[T any] struct {
	mu      sync.Mutex // serializes producers and Close
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// It is closed by Close once the buffered values are drained.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Push inserts v. If the buffer is full, the oldest element is removed and
// returned with dropped=true. Pushing to a closed RingChannel is a no-op
// reported as Errors in the metrics.
func (rc *RingChannel[T]) Push(v T) (old T, dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.metrics.addError()
		return old, false
	}

	select {
	case rc.ch <- v:
		rc.metrics.addWritten()
		return old, false
	default:
	}

	// Full: evict one. The consumer may have drained concurrently, in which
	// case nothing is evicted.
	select {
	case old = <-rc.ch:
		dropped = true
		rc.metrics.addOverwritten()
	default:
	}
	rc.ch <- v
	rc.metrics.addWritten()
	return old, dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&rc.metrics.Errors),
	}
}

// Metrics provides lock-free counters for RingChannel.
type Metrics struct {
	Written     int64
	Overwritten int64
	Errors      int64
}

func (m *Metrics) addWritten()     { atomic.AddInt64(&m.Written, 1) }
func (m *Metrics) addOverwritten() { atomic.AddInt64(&m.Overwritten, 1) }
func (m *Metrics) addError()       { atomic.AddInt64(&m.Errors, 1) }
