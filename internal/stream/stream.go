// Package stream turns characteristic-changed callbacks into an ordered
// chunk stream processed by a single consumer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/groutine"
	"github.com/srg/blerec/internal/ringchan"
)

// DefaultBuffer is the number of chunks queued ahead of the consumer.
const DefaultBuffer = 1024

// ErrChunkDropped reports a chunk evicted because the consumer fell behind.
var ErrChunkDropped = errors.New("notification chunk dropped")

// Chunk is one notification payload. Subscription identifies the link the
// chunk arrived on; it changes every time notifications are re-enabled.
type Chunk struct {
	Seq            uint64
	Subscription   uint64
	Characteristic string
	Data           []byte
	ReceivedAt     time.Time
}

// Handler processes one chunk. A returned error or panic is reported once
// and does not affect later chunks.
type Handler func(Chunk) error

// ErrorFunc receives processing faults.
type ErrorFunc func(err error)

// ProcessingError wraps a handler fault with the chunk it happened on.
type ProcessingError struct {
	Seq uint64
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing chunk %d: %v", e.Seq, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Stream numbers incoming chunks and runs handlers on them in arrival order.
//
// Deliver never blocks; when the consumer falls behind the oldest queued
// chunk is dropped and reported through the ErrorFunc.
type Stream struct {
	seq      atomic.Uint64
	sub      atomic.Uint64
	ring     *ringchan.RingChannel[Chunk]
	handlers []Handler
	onError  ErrorFunc
	logger   *logrus.Logger
	now      func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	done      <-chan struct{}
}

// New creates a Stream. buffer <= 0 selects DefaultBuffer.
func New(buffer int, onError ErrorFunc, logger *logrus.Logger, handlers ...Handler) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logrus.New()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Stream{
		ring:     ringchan.New[Chunk](buffer),
		handlers: handlers,
		onError:  onError,
		logger:   logger,
		now:      time.Now,
	}
}

// Deliver queues a payload. The data slice is copied.
func (s *Stream) Deliver(characteristic string, data []byte) Chunk {
	chunk := Chunk{
		Seq:            s.seq.Add(1),
		Subscription:   s.sub.Load(),
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
		ReceivedAt:     s.now(),
	}

	if old, dropped := s.ring.Push(chunk); dropped {
		s.logger.WithFields(logrus.Fields{
			"seq":      old.Seq,
			"bytes":    len(old.Data),
			"capacity": s.ring.Cap(),
		}).Warn("Consumer lagging, dropped notification chunk")
		s.onError(fmt.Errorf("%w: seq %d", ErrChunkDropped, old.Seq))
	}
	return chunk
}

// Resubscribed starts a new subscription; chunks delivered from now on carry
// its number. Bytes buffered from an earlier link must not be joined with
// the new one.
func (s *Stream) Resubscribed() uint64 {
	return s.sub.Add(1)
}

// Start launches the consumer. Subsequent calls are no-ops.
func (s *Stream) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.done = groutine.Go(ctx, "notification-stream", s.consume)
	})
}

// Close stops accepting chunks and waits until queued chunks are processed
// or the consumer context ends.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.logger.WithField("backlog", s.ring.Len()).Debug("Closing notification stream")
		s.ring.Close()
		if s.done != nil {
			<-s.done
		}
	})
}

// Delivered returns the sequence number of the last delivered chunk.
func (s *Stream) Delivered() uint64 {
	return s.seq.Load()
}

// Dropped returns how many chunks were evicted.
func (s *Stream) Dropped() int64 {
	return s.ring.Metrics().Overwritten
}

func (s *Stream) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.ring.C():
			if !ok {
				return
			}
			s.process(chunk)
		}
	}
}

func (s *Stream) process(chunk Chunk) {
	for _, h := range s.handlers {
		if err := s.run(h, chunk); err != nil {
			s.logger.WithFields(logrus.Fields{
				"seq":   chunk.Seq,
				"error": err,
			}).Warn("Notification processing failed")
			s.onError(&ProcessingError{Seq: chunk.Seq, Err: err})
			return
		}
	}
}

func (s *Stream) run(h Handler, chunk Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(chunk)
}
