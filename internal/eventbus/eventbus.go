// Package eventbus broadcasts session events to independent observers.
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/ringchan"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

// Bus is a broadcast bus. Publish never blocks: every subscriber owns a
// bounded queue and loses its oldest event when it falls behind. A
// subscriber only sees events published after it subscribed.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	buffer int
	closed bool
	logger *logrus.Logger
}

// New creates a Bus with the given per-subscriber buffer (<=0 means DefaultBuffer).
func New[T any](buffer int, logger *logrus.Logger) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus[T]{
		subs:   make(map[uint64]*Subscription[T]),
		buffer: buffer,
		logger: logger,
	}
}

// Publish delivers ev to every current subscriber. Events published from
// one goroutine reach each subscriber in publish order.
func (b *Bus[T]) Publish(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		if _, dropped := sub.ring.Push(ev); dropped {
			b.logger.WithField("subscriber", id).Debug("Subscriber lagging, dropped oldest event")
		}
	}
}

// Subscribe registers a new observer.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription[T]{
		id:   b.nextID,
		bus:  b,
		ring: ringchan.New[T](b.buffer),
	}
	b.nextID++

	if b.closed {
		sub.ring.Close()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Close ends every subscription. Subsequent publishes are dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.ring.Close()
		delete(b.subs, id)
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		sub.ring.Close()
		delete(b.subs, id)
	}
}

// Subscription is one observer's view of the bus.
type Subscription[T any] struct {
	id   uint64
	bus  *Bus[T]
	ring *ringchan.RingChannel[T]
}

// C returns the event channel. It is closed after Close or Bus.Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ring.C()
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription[T]) Dropped() int64 {
	return s.ring.Metrics().Overwritten
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.bus.remove(s.id)
}
