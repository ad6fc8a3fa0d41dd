package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/groutine"
)

// defaultATTMTU is reported when the exchange fails.
const defaultATTMTU = 23

// bleGATT is one peripheral link. Requests run on their own goroutine and
// post completions to sink.
type bleGATT struct {
	adapter *Adapter
	address string
	sink    device.EventSink
	logger  *logrus.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	client     ble.Client
	services   []*device.Service
	indicating map[string]bool
	deliberate bool
	closed     bool
}

func newGATT(ctx context.Context, a *Adapter, address string, sink device.EventSink) *bleGATT {
	if ctx == nil {
		ctx = context.Background()
	}
	gctx, cancel := context.WithCancel(ctx)
	return &bleGATT{
		adapter:    a,
		address:    address,
		sink:       sink,
		logger:     a.logger,
		ctx:        gctx,
		cancel:     cancel,
		indicating: make(map[string]bool),
	}
}

func (g *bleGATT) Address() string { return g.address }

func (g *bleGATT) dial() {
	dev, err := g.adapter.device()
	if err != nil {
		g.postLink(device.StatusFailure, device.LinkDisconnected, err)
		return
	}

	groutine.Go(g.ctx, "ble-dial", func(ctx context.Context) {
		dialCtx := ctx
		if timeout := g.adapter.opts.DialTimeout; timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		g.logger.WithField("address", g.address).Debug("Dialing BLE device...")
		client, err := dev.Dial(dialCtx, ble.NewAddr(g.address))
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"address": g.address,
				"error":   err,
			}).Warn("Failed to dial BLE device")
			g.postLink(device.StatusFailure, device.LinkDisconnected,
				fmt.Errorf("failed to connect to device with address %q: %w", g.address, NormalizeError(err)))
			return
		}

		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		g.client = client
		g.deliberate = false
		g.mu.Unlock()

		g.monitor(client)
		g.logger.WithField("address", g.address).Info("BLE device connected")
		g.postLink(device.StatusSuccess, device.LinkConnected, nil)
	})
}

// monitor reports the end of the link. A drop the caller asked for is a
// success, anything else a failure.
func (g *bleGATT) monitor(client ble.Client) {
	groutine.Go(g.ctx, "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case <-client.Disconnected():
		}

		g.mu.Lock()
		if g.client != client {
			g.mu.Unlock()
			return
		}
		deliberate := g.deliberate
		g.client = nil
		g.indicating = make(map[string]bool)
		g.mu.Unlock()

		if deliberate {
			g.logger.WithField("address", g.address).Info("BLE device disconnected")
			g.postLink(device.StatusSuccess, device.LinkDisconnected, nil)
			return
		}
		g.logger.WithField("address", g.address).Warn("BLE link lost")
		g.postLink(device.StatusFailure, device.LinkDisconnected, device.ErrNotConnected)
	})
}

func (g *bleGATT) liveClient() (ble.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.client == nil {
		return nil, device.ErrNotConnected
	}
	return g.client, nil
}

func (g *bleGATT) DiscoverServices() error {
	client, err := g.liveClient()
	if err != nil {
		return err
	}

	groutine.Go(g.ctx, "ble-discover", func(context.Context) {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"address": g.address,
				"error":   err,
			}).Error("Failed to discover profile")
			g.post(device.Event{Kind: device.EventServicesDiscovered, Status: device.StatusFailure,
				Err: fmt.Errorf("failed to discover profile: %w", NormalizeError(err))})
			return
		}

		services := convertProfile(profile)
		g.mu.Lock()
		g.services = services
		g.mu.Unlock()

		g.logger.WithFields(logrus.Fields{
			"address":  g.address,
			"services": len(services),
		}).Debug("Profile discovered successfully")
		g.post(device.Event{Kind: device.EventServicesDiscovered, Status: device.StatusSuccess})
	})
	return nil
}

func (g *bleGATT) RequestMTU(mtu int) error {
	client, err := g.liveClient()
	if err != nil {
		return err
	}

	groutine.Go(g.ctx, "ble-mtu", func(context.Context) {
		tx, err := client.ExchangeMTU(mtu)
		if err != nil {
			g.post(device.Event{Kind: device.EventMTUChanged, Status: device.StatusFailure, MTU: defaultATTMTU, Err: NormalizeError(err)})
			return
		}
		g.post(device.Event{Kind: device.EventMTUChanged, Status: device.StatusSuccess, MTU: tx})
	})
	return nil
}

func (g *bleGATT) Services() []*device.Service {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*device.Service(nil), g.services...)
}

func native(ch *device.Characteristic) (*ble.Characteristic, error) {
	n, ok := ch.Native.(*ble.Characteristic)
	if !ok || n == nil {
		return nil, fmt.Errorf("characteristic %s: %w", ch.UUID, device.ErrNotInitialized)
	}
	return n, nil
}

func (g *bleGATT) EnableNotification(ch *device.Characteristic, indicate bool) error {
	client, err := g.liveClient()
	if err != nil {
		return err
	}
	n, err := native(ch)
	if err != nil {
		return err
	}

	uuid := device.NormalizeUUID(ch.UUID)
	groutine.Go(g.ctx, "ble-subscribe", func(context.Context) {
		err := client.Subscribe(n, indicate, func(data []byte) {
			g.post(device.Event{
				Kind:           device.EventCharacteristicChanged,
				Characteristic: uuid,
				Data:           append([]byte(nil), data...),
			})
		})
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"charUUID": uuid,
				"error":    err,
			}).Error("Failed to subscribe to characteristic notifications")
			g.post(device.Event{Kind: device.EventDescriptorWritten, Status: device.StatusFailure, Characteristic: uuid, Err: NormalizeError(err)})
			return
		}

		g.mu.Lock()
		g.indicating[uuid] = indicate
		g.mu.Unlock()

		g.logger.WithFields(logrus.Fields{
			"charUUID": uuid,
			"indicate": indicate,
		}).Info("Successfully subscribed to characteristic notifications")
		g.post(device.Event{Kind: device.EventDescriptorWritten, Status: device.StatusSuccess, Characteristic: uuid})
	})
	return nil
}

func (g *bleGATT) DisableNotification(ch *device.Characteristic) error {
	client, err := g.liveClient()
	if err != nil {
		return err
	}
	n, err := native(ch)
	if err != nil {
		return err
	}

	uuid := device.NormalizeUUID(ch.UUID)
	g.mu.Lock()
	indicate, ok := g.indicating[uuid]
	delete(g.indicating, uuid)
	g.mu.Unlock()
	if !ok {
		return nil
	}

	if err := client.Unsubscribe(n, indicate); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", uuid, NormalizeError(err))
	}
	g.logger.WithField("charUUID", uuid).Debug("Unsubscribed from characteristic notifications")
	return nil
}

// Reconnect drops any live link silently and dials the same address again.
func (g *bleGATT) Reconnect() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return device.ErrNotConnected
	}
	old := g.client
	g.client = nil
	g.indicating = make(map[string]bool)
	g.mu.Unlock()

	if old != nil {
		_ = old.CancelConnection()
	}
	g.dial()
	return nil
}

// Disconnect drops the link. The monitor posts the resulting event.
func (g *bleGATT) Disconnect() error {
	g.mu.Lock()
	client := g.client
	if g.closed || client == nil {
		g.mu.Unlock()
		return device.ErrNotConnected
	}
	g.deliberate = true
	g.mu.Unlock()

	g.logger.WithField("address", g.address).Info("Disconnecting BLE device...")
	return NormalizeError(client.CancelConnection())
}

// Close releases the handle. Nothing is posted afterwards.
func (g *bleGATT) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	client := g.client
	g.client = nil
	g.mu.Unlock()

	g.cancel()
	if client == nil {
		return nil
	}
	if err := client.ClearSubscriptions(); err != nil {
		g.logger.WithField("error", err).Debug("Failed to clear subscriptions")
	}
	return NormalizeError(client.CancelConnection())
}

func (g *bleGATT) postLink(status device.Status, link device.LinkState, err error) {
	g.post(device.Event{Kind: device.EventConnectionStateChanged, Status: status, Link: link, Err: err})
}

func (g *bleGATT) post(ev device.Event) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed || g.sink == nil {
		return
	}
	g.sink(ev)
}
