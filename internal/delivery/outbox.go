package delivery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/record"
	"github.com/srg/blerec/internal/store"
)

// DefaultOutboxSize bounds the records kept in memory for redelivery.
const DefaultOutboxSize uint32 = 256

// Entry is one record waiting for redelivery.
type Entry struct {
	Name     string // pending snapshot name, empty when not persisted
	Record   *record.Record
	QueuedAt time.Time
	Attempts int
}

// Outbox queues undelivered records. The queue overwrites its oldest entry
// when full; an overwritten entry keeps its pending snapshot and comes back
// with the next Restore.
type Outbox struct {
	ring   mpmc.RichOverlappedRingBuffer[Entry]
	store  *store.FileStore
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	length  int
	dropped atomic.Int64
}

// NewOutbox creates an outbox. st may be nil for a memory-only queue.
func NewOutbox(size uint32, st *store.FileStore, logger *logrus.Logger) *Outbox {
	if size == 0 {
		size = DefaultOutboxSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Outbox{
		ring:   mpmc.NewOverlappedRingBuffer[Entry](size),
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Add persists rec as a pending snapshot and queues it.
func (o *Outbox) Add(rec *record.Record) (Entry, error) {
	e := Entry{Record: rec, QueuedAt: o.now()}
	if o.store != nil {
		e.Name = store.PendingName(e.QueuedAt)
		if _, err := o.store.Save(rec, e.Name); err != nil {
			return e, fmt.Errorf("outbox: %w", err)
		}
	}
	if err := o.push(e); err != nil {
		return e, err
	}
	o.logger.WithFields(logrus.Fields{
		"name":      e.Name,
		"timestamp": rec.Timestamp(),
		"queued":    o.Len(),
	}).Info("Record queued for redelivery")
	return e, nil
}

// Requeue puts an entry back after a failed attempt.
func (o *Outbox) Requeue(e Entry) error {
	return o.push(e)
}

// Restore queues every pending snapshot not already queued. It returns the
// number of entries added.
func (o *Outbox) Restore() (int, error) {
	if o.store == nil {
		return 0, nil
	}
	names, err := o.store.List(store.PendingDir)
	if err != nil {
		return 0, fmt.Errorf("outbox: %w", err)
	}

	queued := make(map[string]bool)
	for _, e := range o.Drain(0) {
		queued[e.Name] = true
		if err := o.push(e); err != nil {
			return 0, err
		}
	}

	added := 0
	for _, name := range names {
		if queued[name] {
			continue
		}
		rec, err := o.store.Load(name)
		if err != nil {
			o.logger.WithFields(logrus.Fields{
				"name":  name,
				"error": err,
			}).Warn("Skipping unreadable pending snapshot")
			continue
		}
		if err := o.push(Entry{Name: name, Record: rec, QueuedAt: o.now()}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Drain dequeues up to max entries, or all of them when max <= 0.
func (o *Outbox) Drain(max int) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Entry
	for !o.ring.IsEmpty() && (max <= 0 || len(out) < max) {
		e, err := o.ring.Dequeue()
		if err != nil {
			break
		}
		o.length--
		out = append(out, e)
	}
	return out
}

// Done removes the pending snapshot of a delivered entry.
func (o *Outbox) Done(e Entry) error {
	if o.store == nil || e.Name == "" {
		return nil
	}
	if err := o.store.Delete(e.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("outbox: %w", err)
	}
	return nil
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.length
}

// Dropped returns how many entries were overwritten.
func (o *Outbox) Dropped() int64 {
	return o.dropped.Load()
}

func (o *Outbox) push(e Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	overwrites, err := o.ring.EnqueueM(e)
	if err != nil {
		return fmt.Errorf("outbox: unexpected enqueue error: %w", err)
	}
	o.length += 1 - int(overwrites)
	if overwrites > 0 {
		o.dropped.Add(int64(overwrites))
		o.logger.WithFields(logrus.Fields{
			"overwritten": overwrites,
			"name":        e.Name,
		}).Warn("Outbox full, oldest entry dropped from memory")
	}
	return nil
}
