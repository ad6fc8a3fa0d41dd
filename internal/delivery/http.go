package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/blerec/internal/record"
)

// DefaultPath is the upload endpoint relative to the base URL.
const DefaultPath = "api/add_performance_and_records"

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
	defaultHTTPTimeout   time.Duration = 15 * time.Second
)

// HTTPOptions configures HTTPDeliverer.
type HTTPOptions struct {
	BaseURL     string
	Path        string
	Timeout     time.Duration
	MaxFailures uint32        // consecutive failures before the circuit opens
	OpenTimeout time.Duration // how long the circuit stays open
	Interval    time.Duration // failure count reset period while closed
	Client      *http.Client
}

// HTTPDeliverer POSTs records as JSON. Repeated failures open a circuit
// breaker so an unreachable server is not hammered.
type HTTPDeliverer struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[struct{}]
	logger   *logrus.Logger
}

// NewHTTPDeliverer validates opts and creates the deliverer.
func NewHTTPDeliverer(opts HTTPOptions, logger *logrus.Logger) (*HTTPDeliverer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid delivery base URL %q", opts.BaseURL)
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	endpoint := base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	openTimeout := opts.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultCBTimeout
	}
	interval := opts.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "delivery:" + endpoint.Host,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Delivery circuit breaker state change")
		},
		// a rejected record says nothing about server health
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return err == nil
		},
	})

	return &HTTPDeliverer{
		endpoint: endpoint.String(),
		client:   client,
		breaker:  cb,
		logger:   logger,
	}, nil
}

// Endpoint returns the resolved upload URL.
func (d *HTTPDeliverer) Endpoint() string { return d.endpoint }

// Deliver implements Deliverer.
func (d *HTTPDeliverer) Deliver(ctx context.Context, rec *record.Record) error {
	_, err := d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.post(ctx, rec)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("delivery to %s suspended: %w", d.endpoint, err)
	}
	return err
}

func (d *HTTPDeliverer) post(ctx context.Context, rec *record.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", d.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	d.logger.WithFields(logrus.Fields{
		"endpoint":  d.endpoint,
		"status":    resp.StatusCode,
		"timestamp": rec.Timestamp(),
	}).Debug("Record delivered")
	return nil
}
