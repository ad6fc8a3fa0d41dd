// Package recorder turns the framed notification stream into delivered
// records.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/delivery"
	"github.com/srg/blerec/internal/framer"
	"github.com/srg/blerec/internal/record"
	"github.com/srg/blerec/internal/session"
	"github.com/srg/blerec/internal/store"
	"github.com/srg/blerec/internal/stream"
)

// ErrNoData is returned by RecordOnce when a sample collected nothing.
var ErrNoData = errors.New("no packets sampled")

// Publisher posts session events. *session.Controller implements it.
type Publisher interface {
	Publish(ev session.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev session.Event)

func (f PublisherFunc) Publish(ev session.Event) { f(ev) }

// Config wires a Recorder. Store, Deliverer, Outbox and Publisher are optional.
type Config struct {
	Collector *framer.Collector
	Assembler *record.Assembler
	Store     *store.FileStore
	Deliverer delivery.Deliverer
	Outbox    *delivery.Outbox
	Publisher Publisher
	Sample    framer.SampleOptions
	Records   int           // records to produce, 0 runs until cancelled
	Pause     time.Duration // idle time between samples
}

// Stats counts what the recorder produced.
type Stats struct {
	Recorded  int64
	Delivered int64
	Queued    int64
	Empty     int64
}

// Recorder samples the collector, assembles a record, snapshots it,
// delivers it and queues it for redelivery on failure.
type Recorder struct {
	cfg    Config
	logger *logrus.Logger

	recorded  atomic.Int64
	delivered atomic.Int64
	queued    atomic.Int64
	empty     atomic.Int64
}

// New creates a Recorder.
func New(cfg Config, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Recorder{cfg: cfg, logger: logger}
}

// Handler feeds notification chunks into the collector. A chunk from a new
// subscription discards the partial frame left by the previous link.
func (r *Recorder) Handler() stream.Handler {
	var current uint64
	return func(ch stream.Chunk) error {
		if ch.Subscription != current {
			if pending := r.cfg.Collector.Pending(); pending > 0 {
				r.logger.WithFields(logrus.Fields{
					"subscription": ch.Subscription,
					"pending":      pending,
				}).Debug("Link re-established, dropping partial frame")
			}
			r.cfg.Collector.Reset()
			current = ch.Subscription
		}
		if err := r.cfg.Collector.Consume(ch.Data); err != nil {
			return fmt.Errorf("framing chunk %d: %w", ch.Seq, err)
		}
		return nil
	}
}

// RecordOnce samples one record and hands it on.
func (r *Recorder) RecordOnce(ctx context.Context) (*record.Record, error) {
	frames, err := r.cfg.Collector.Sample(ctx, r.cfg.Sample)
	if err != nil {
		return nil, err
	}
	if frames.Empty() {
		r.empty.Add(1)
		return nil, ErrNoData
	}

	rec := r.cfg.Assembler.Assemble(ctx, frames)
	r.recorded.Add(1)
	small, large := rec.Counts()
	log := r.logger.WithFields(logrus.Fields{
		"timestamp": rec.Timestamp(),
		"small":     small,
		"large":     large,
	})
	log.Info("Record assembled")

	if r.cfg.Store != nil {
		if _, err := r.cfg.Store.Save(rec, store.SnapshotName(rec)); err != nil {
			log.WithField("error", err).Warn("Failed to save record snapshot")
		}
	}

	r.deliver(ctx, rec, log)

	if r.cfg.Publisher != nil {
		r.cfg.Publisher.Publish(session.RecordReady(rec))
	}
	return rec, nil
}

func (r *Recorder) deliver(ctx context.Context, rec *record.Record, log *logrus.Entry) {
	if r.cfg.Deliverer == nil {
		return
	}
	err := r.cfg.Deliverer.Deliver(ctx, rec)
	if err == nil {
		r.delivered.Add(1)
		log.Info("Record delivered")
		return
	}

	log.WithFields(logrus.Fields{
		"status": delivery.Code(err),
		"error":  err,
	}).Warn("Record delivery failed")
	if r.cfg.Outbox == nil {
		return
	}
	if _, qErr := r.cfg.Outbox.Add(rec); qErr != nil {
		log.WithField("error", qErr).Error("Failed to queue record for redelivery")
		return
	}
	r.queued.Add(1)
}

// Run records until ctx ends or the configured number of records exists.
// Empty samples are skipped.
func (r *Recorder) Run(ctx context.Context) error {
	for r.cfg.Records <= 0 || r.recorded.Load() < int64(r.cfg.Records) {
		_, err := r.RecordOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrNoData):
			r.logger.Debug("Sample window closed without packets")
		case err != nil:
			return err
		}

		if r.cfg.Pause > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.Pause):
			}
		}
	}
	return nil
}

// Stats returns the counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded:  r.recorded.Load(),
		Delivered: r.delivered.Load(),
		Queued:    r.queued.Load(),
		Empty:     r.empty.Load(),
	}
}
