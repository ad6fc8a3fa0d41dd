package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/blerec/internal/groutine"
	"golang.org/x/time/rate"
)

// DefaultSchedule runs a resend pass every 30 seconds.
const DefaultSchedule = "@every 30s"

// ResenderOptions configures Resender.
type ResenderOptions struct {
	Schedule string  // cron expression or descriptor
	Rate     float64 // deliveries per second, 0 is unlimited
	Burst    int
	Batch    int // entries per pass, 0 drains the outbox
}

// Result summarizes one resend pass.
type Result struct {
	Delivered int
	Failed    int
	Remaining int
}

// Resender periodically redelivers outbox entries.
type Resender struct {
	outbox    *Outbox
	deliverer Deliverer
	limiter   *rate.Limiter
	schedule  cron.Schedule
	batch     int
	logger    *logrus.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewResender validates the schedule and creates a Resender.
func NewResender(outbox *Outbox, deliverer Deliverer, opts ResenderOptions, logger *logrus.Logger) (*Resender, error) {
	if logger == nil {
		logger = logrus.New()
	}
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid resend schedule %q: %w", expr, err)
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Resender{
		outbox:    outbox,
		deliverer: deliverer,
		limiter:   rate.NewLimiter(limit, burst),
		schedule:  schedule,
		batch:     opts.Batch,
		logger:    logger,
	}, nil
}

// RunOnce makes one pass over the outbox. Entries that fail are requeued.
// The pass stops early when ctx ends or the upstream circuit is open.
func (r *Resender) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	entries := r.outbox.Drain(r.batch)
	if len(entries) == 0 {
		return res, nil
	}
	r.logger.WithField("entries", len(entries)).Debug("Resend pass started")

	requeue := func(rest []Entry) error {
		for _, e := range rest {
			if err := r.outbox.Requeue(e); err != nil {
				return err
			}
		}
		return nil
	}

	for i, e := range entries {
		if err := r.limiter.Wait(ctx); err != nil {
			res.Failed += len(entries) - i
			rqErr := requeue(entries[i:])
			res.Remaining = r.outbox.Len()
			return res, errors.Join(err, rqErr)
		}

		e.Attempts++
		err := r.deliverer.Deliver(ctx, e.Record)
		if err != nil {
			res.Failed++
			r.logger.WithFields(logrus.Fields{
				"name":     e.Name,
				"attempts": e.Attempts,
				"status":   Code(err),
				"error":    err,
			}).Warn("Redelivery failed")
			if rqErr := r.outbox.Requeue(e); rqErr != nil {
				return res, rqErr
			}
			if errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
				res.Failed += len(entries) - i - 1
				if rqErr := requeue(entries[i+1:]); rqErr != nil {
					return res, rqErr
				}
				break
			}
			continue
		}

		res.Delivered++
		if err := r.outbox.Done(e); err != nil {
			r.logger.WithFields(logrus.Fields{
				"name":  e.Name,
				"error": err,
			}).Warn("Failed to remove delivered snapshot")
		}
	}

	res.Remaining = r.outbox.Len()
	r.logger.WithFields(logrus.Fields{
		"delivered": res.Delivered,
		"failed":    res.Failed,
		"remaining": res.Remaining,
	}).Info("Resend pass finished")
	return res, nil
}

// Start runs RunOnce on the schedule until Stop or ctx ends.
func (r *Resender) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("resender already started")
	}
	c := cron.New()
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithField("error", err).Error("Resend pass failed")
		}
	}))
	c.Start()
	r.cron = c

	groutine.Go(ctx, "resender-stop", func(ctx context.Context) {
		<-ctx.Done()
		r.Stop()
	})
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (r *Resender) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(time.Minute):
		r.logger.Warn("Resend pass did not finish within a minute of stopping")
	}
}
