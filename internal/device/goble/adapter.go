// Package goble implements the device adapter on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/device"
)

// DeviceFactory creates the host ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// Options configures the host adapter.
type Options struct {
	DialTimeout time.Duration
}

// Adapter is the go-ble backed device.Adapter. The host device is created
// on first use and shared by scanning and every connection.
type Adapter struct {
	opts   Options
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewAdapter creates an Adapter. No radio is touched until Check, Scan or Connect.
func NewAdapter(opts Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{opts: opts, logger: logger}
}

func (a *Adapter) device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := DeviceFactory(a.opts.DialTimeout)
	if err != nil {
		a.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	a.dev = dev
	return dev, nil
}

// Check verifies that the host stack can be opened.
func (a *Adapter) Check() error {
	_, err := a.device()
	return err
}

// Scan reports advertisements until ctx is done.
func (a *Adapter) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	dev, err := a.device()
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		handler(newAdvertisement(adv))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return NormalizeError(err)
	}
	return nil
}

// Connect starts dialing address and returns the handle at once. The dial
// outcome is posted to sink.
func (a *Adapter) Connect(ctx context.Context, address string, sink device.EventSink) (device.GATT, error) {
	if strings.TrimSpace(address) == "" {
		a.logger.Error("Connection attempt with empty address")
		return nil, fmt.Errorf("device address is empty")
	}

	g := newGATT(ctx, a, address, sink)
	g.dial()
	return g, nil
}

// Close stops the host device.
func (a *Adapter) Close() error {
	a.mu.Lock()
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()

	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}
