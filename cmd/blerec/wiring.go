package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/delivery"
	"github.com/srg/blerec/internal/store"
	"github.com/srg/blerec/pkg/config"
)

// pipeline holds the storage and delivery side shared by record and resend.
type pipeline struct {
	store     *store.FileStore
	deliverer delivery.Deliverer
	outbox    *delivery.Outbox
	close     func() error
}

// openPipeline opens the snapshot store, restores pending records into the
// outbox and connects the configured transport. deliverer is nil when no
// transport is configured.
func openPipeline(cfg *config.Config, logger *logrus.Logger) (*pipeline, error) {
	st, err := store.NewFileStore(cfg.Store.Dir, logger)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		store:  st,
		outbox: delivery.NewOutbox(cfg.Delivery.OutboxSize, st, logger),
		close:  func() error { return nil },
	}
	restored, err := p.outbox.Restore()
	if err != nil {
		return nil, fmt.Errorf("failed to restore pending records: %w", err)
	}
	if restored > 0 {
		logger.WithField("count", restored).Info("Restored pending records")
	}

	switch {
	case cfg.Delivery.HTTP.BaseURL != "":
		d, err := delivery.NewHTTPDeliverer(delivery.HTTPOptions{
			BaseURL:     cfg.Delivery.HTTP.BaseURL,
			Path:        cfg.Delivery.HTTP.Path,
			Timeout:     cfg.Delivery.HTTP.Timeout,
			MaxFailures: cfg.Delivery.HTTP.MaxFailures,
			OpenTimeout: cfg.Delivery.HTTP.OpenTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.WithField("endpoint", d.Endpoint()).Info("Delivering records over HTTP")
		p.deliverer = d
	case cfg.Delivery.NATS.URL != "":
		d, err := delivery.NewNATSDeliverer(delivery.NATSOptions{
			URL:           cfg.Delivery.NATS.URL,
			Subject:       cfg.Delivery.NATS.Subject,
			Name:          "blerec",
			ReconnectWait: cfg.Delivery.NATS.ReconnectWait,
			MaxReconnects: cfg.Delivery.NATS.MaxReconnects,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.WithField("subject", cfg.Delivery.NATS.Subject).Info("Delivering records over NATS")
		p.deliverer = d
		p.close = d.Close
	default:
		logger.Info("No delivery configured, records are only saved locally")
	}
	return p, nil
}

func (p *pipeline) resender(cfg *config.Config, logger *logrus.Logger) (*delivery.Resender, error) {
	return delivery.NewResender(p.outbox, p.deliverer, delivery.ResenderOptions{
		Schedule: cfg.Delivery.Resend.Schedule,
		Rate:     cfg.Delivery.Resend.Rate,
		Burst:    cfg.Delivery.Resend.Burst,
		Batch:    cfg.Delivery.Resend.Batch,
	}, logger)
}
