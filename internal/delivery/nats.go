package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/record"
)

// DefaultSubject is the NATS subject records are published on.
const DefaultSubject = "blerec.records"

// NATSOptions configures NATSDeliverer.
type NATSOptions struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// publisher is the part of *nats.Conn the deliverer uses.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSDeliverer publishes records as JSON. A delivery counts as done once
// the server acknowledged the flush.
type NATSDeliverer struct {
	conn    publisher
	subject string
	logger  *logrus.Logger
}

// NewNATSDeliverer connects to the server in opts.
func NewNATSDeliverer(opts NATSOptions, logger *logrus.Logger) (*NATSDeliverer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := opts.Name
	if name == "" {
		name = "blerec"
	}
	reconnectWait := opts.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := opts.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithField("error", err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.WithField("url", url).Info("Connected to NATS")
	return newNATSDeliverer(nc, opts.Subject, logger), nil
}

func newNATSDeliverer(conn publisher, subject string, logger *logrus.Logger) *NATSDeliverer {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSDeliverer{conn: conn, subject: subject, logger: logger}
}

// Deliver implements Deliverer.
func (d *NATSDeliverer) Deliver(ctx context.Context, rec *record.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := d.conn.Publish(d.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", d.subject, err)
	}
	if err := d.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", d.subject, err)
	}
	d.logger.WithFields(logrus.Fields{
		"subject":   d.subject,
		"timestamp": rec.Timestamp(),
	}).Debug("Record published")
	return nil
}

// Close drains the connection.
func (d *NATSDeliverer) Close() error {
	return d.conn.Drain()
}
