// Package scanner discovers advertising peripherals and hands the target
// device over to the connection controller.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/groutine"
)

// ErrScanning is returned by Start while a scan is already running.
var ErrScanning = errors.New("scan already in progress")

// Filter selects the target device. An empty filter never selects a target;
// every named device is still reported as discovered.
type Filter struct {
	Name    string
	Address string
}

// Targeted reports whether the filter selects a target.
func (f Filter) Targeted() bool {
	return f.Name != "" || f.Address != ""
}

// Matches reports whether dev is the target.
func (f Filter) Matches(dev device.Device) bool {
	if !f.Targeted() {
		return false
	}
	if f.Address != "" && !strings.EqualFold(f.Address, dev.ID) {
		return false
	}
	if f.Name != "" && f.Name != dev.Name {
		return false
	}
	return true
}

func (f Filter) String() string {
	switch {
	case f.Name != "" && f.Address != "":
		return fmt.Sprintf("%s (%s)", f.Name, f.Address)
	case f.Name != "":
		return f.Name
	case f.Address != "":
		return f.Address
	default:
		return "<any>"
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	adapter device.Adapter
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    <-chan struct{}
	devices *hashmap.Map[string, device.Device]
	order   []string

	handedOff atomic.Bool
}

// New creates a Scanner on top of adapter.
func New(adapter device.Adapter, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		adapter: adapter,
		logger:  logger,
		now:     time.Now,
		devices: hashmap.New[string, device.Device](),
	}
}

// Start begins discovery in the background. Results are posted to sink as
// EventScanResult; a stack failure is posted as EventScanFailed. The
// discovered-set is cleared on every start.
func (s *Scanner) Start(ctx context.Context, filter Filter, sink device.EventSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrScanning
		}
	}

	s.devices = hashmap.New[string, device.Device]()
	s.order = nil
	s.handedOff.Store(false)

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.WithField("target", filter.String()).Info("Starting BLE scan...")

	s.done = groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer cancel()

		err := s.adapter.Scan(ctx, func(adv device.Advertisement) {
			s.handleAdvertisement(adv, filter, cancel, sink)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.WithField("error", err).Error("BLE scan failed")
			sink(device.Event{Kind: device.EventScanFailed, Status: device.StatusFailure, Err: err})
			return
		}
		s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan stopped")
	})
	return nil
}

// Stop cancels the scan and waits for it to wind down. Safe to call at any time.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Scanning reports whether a scan goroutine is running.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Devices returns the discovered-set in discovery order.
func (s *Scanner) Devices() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scanner) snapshotLocked() []device.Device {
	out := make([]device.Device, 0, len(s.order))
	for _, id := range s.order {
		if dev, ok := s.devices.Get(id); ok {
			out = append(out, dev)
		}
	}
	return out
}

func (s *Scanner) handleAdvertisement(adv device.Advertisement, filter Filter, stop context.CancelFunc, sink device.EventSink) {
	name := strings.TrimSpace(adv.LocalName())
	if name == "" {
		return
	}

	s.mu.Lock()
	id := adv.Addr()
	if _, seen := s.devices.Get(id); seen {
		s.mu.Unlock()
		return
	}
	dev := device.Device{
		ID:           id,
		Name:         name,
		RSSI:         adv.RSSI(),
		DiscoveredAt: s.now(),
	}
	s.devices.Insert(id, dev)
	s.order = append(s.order, id)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	target := filter.Matches(dev) && s.handedOff.CompareAndSwap(false, true)

	s.logger.WithFields(logrus.Fields{
		"device":  dev.Name,
		"address": dev.ID,
		"rssi":    dev.RSSI,
		"target":  target,
	}).Info("Discovered new device")

	if target {
		stop()
	}
	sink(device.Event{
		Kind:    device.EventScanResult,
		Status:  device.StatusSuccess,
		Device:  dev,
		Devices: snapshot,
		Target:  target,
	})
}
