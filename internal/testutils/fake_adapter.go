//go:build test

package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srg/blerec/internal/device"
)

// GATTScript decides how a FakeGATT answers each request of one connection.
// The zero value succeeds everywhere but exposes no services.
type GATTScript struct {
	ConnectStatus    device.Status
	DiscoverStatus   device.Status
	MTUStatus        device.Status
	MTU              int // reported MTU, 0 echoes the request
	DescriptorStatus device.Status
	Services         []*device.Service
	Hold             bool // leave the dial pending until CompleteConnect
}

// DataProfile returns the ffe0/ffe1 service with a CCCD and the given properties.
func DataProfile(props device.Property) []*device.Service {
	return []*device.Service{
		{UUID: "1800", Characteristics: []*device.Characteristic{{UUID: "2a00", Properties: device.PropRead}}},
		{
			UUID: "0000ffe0-0000-1000-8000-00805f9b34fb",
			Characteristics: []*device.Characteristic{{
				UUID:        "0000ffe1-0000-1000-8000-00805f9b34fb",
				Properties:  props,
				Descriptors: []*device.Descriptor{{UUID: "00002902-0000-1000-8000-00805f9b34fb"}},
			}},
		},
	}
}

// HealthyScript is a connection that reaches Connected.
func HealthyScript() GATTScript {
	return GATTScript{Services: DataProfile(device.PropRead | device.PropNotify)}
}

// FailingConnectScript is a dial that reports a failure status.
func FailingConnectScript() GATTScript {
	s := HealthyScript()
	s.ConnectStatus = device.StatusFailure
	return s
}

// FakeAdapter is a scripted device.Adapter.
//
// Scan replays the configured advertisements and then blocks until cancelled.
// Each Connect consumes the next script; when they run out the fallback is used.
type FakeAdapter struct {
	mu       sync.Mutex
	checkErr error
	scanErr  error
	advs     []device.Advertisement
	scripts  []GATTScript
	fallback GATTScript
	gatts    []*FakeGATT

	scans       atomic.Int32
	activeScans atomic.Int32
}

// NewFakeAdapter creates an adapter advertising advs with healthy connections.
func NewFakeAdapter(advs ...device.Advertisement) *FakeAdapter {
	return &FakeAdapter{advs: advs, fallback: HealthyScript()}
}

// WithCheckError makes Check fail.
func (a *FakeAdapter) WithCheckError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkErr = err
	return a
}

// WithScanError makes Scan fail immediately.
func (a *FakeAdapter) WithScanError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanErr = err
	return a
}

// WithScripts queues per-connection scripts.
func (a *FakeAdapter) WithScripts(scripts ...GATTScript) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, scripts...)
	return a
}

// WithFallback sets the script used once the queue is empty.
func (a *FakeAdapter) WithFallback(s GATTScript) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = s
	return a
}

func (a *FakeAdapter) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkErr
}

func (a *FakeAdapter) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	a.scans.Add(1)
	a.activeScans.Add(1)
	defer a.activeScans.Add(-1)

	a.mu.Lock()
	scanErr := a.scanErr
	advs := append([]device.Advertisement(nil), a.advs...)
	a.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	for _, adv := range advs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *FakeAdapter) Connect(_ context.Context, address string, sink device.EventSink) (device.GATT, error) {
	a.mu.Lock()
	script := a.fallback
	if len(a.scripts) > 0 {
		script = a.scripts[0]
		a.scripts = a.scripts[1:]
	}
	g := &FakeGATT{address: address, sink: sink, script: script, subscribed: map[string]bool{}}
	a.gatts = append(a.gatts, g)
	a.mu.Unlock()

	if !script.Hold {
		g.CompleteConnect(script.ConnectStatus)
	}
	return g, nil
}

// Scans returns how many scans were started.
func (a *FakeAdapter) Scans() int { return int(a.scans.Load()) }

// ActiveScans returns how many scans are still running.
func (a *FakeAdapter) ActiveScans() int { return int(a.activeScans.Load()) }

// GATTs returns every handle created so far.
func (a *FakeAdapter) GATTs() []*FakeGATT {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeGATT(nil), a.gatts...)
}

// LastGATT returns the most recent handle or nil.
func (a *FakeAdapter) LastGATT() *FakeGATT {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.gatts) == 0 {
		return nil
	}
	return a.gatts[len(a.gatts)-1]
}

// FakeGATT is a scripted device.GATT. Completions are posted synchronously
// to the sink, which must not block.
type FakeGATT struct {
	mu         sync.Mutex
	address    string
	sink       device.EventSink
	script     GATTScript
	discovered bool
	subscribed map[string]bool
	indicate   bool
	closed     bool
	disconnect bool
	reconnects int
}

func (g *FakeGATT) Address() string { return g.address }

func (g *FakeGATT) DiscoverServices() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return device.ErrNotConnected
	}
	g.discovered = g.script.DiscoverStatus == device.StatusSuccess
	status := g.script.DiscoverStatus
	g.mu.Unlock()

	g.post(device.Event{Kind: device.EventServicesDiscovered, Status: status})
	return nil
}

func (g *FakeGATT) RequestMTU(mtu int) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return device.ErrNotConnected
	}
	status := g.script.MTUStatus
	if g.script.MTU > 0 {
		mtu = g.script.MTU
	}
	g.mu.Unlock()

	g.post(device.Event{Kind: device.EventMTUChanged, Status: status, MTU: mtu})
	return nil
}

func (g *FakeGATT) Services() []*device.Service {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.discovered {
		return nil
	}
	return g.script.Services
}

func (g *FakeGATT) EnableNotification(ch *device.Characteristic, indicate bool) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return device.ErrNotConnected
	}
	status := g.script.DescriptorStatus
	if status == device.StatusSuccess {
		g.subscribed[device.NormalizeUUID(ch.UUID)] = true
		g.indicate = indicate
	}
	g.mu.Unlock()

	g.post(device.Event{Kind: device.EventDescriptorWritten, Status: status, Characteristic: ch.UUID})
	return nil
}

func (g *FakeGATT) DisableNotification(ch *device.Characteristic) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribed, device.NormalizeUUID(ch.UUID))
	return nil
}

func (g *FakeGATT) Reconnect() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return device.ErrNotConnected
	}
	g.reconnects++
	g.disconnect = false
	g.mu.Unlock()

	g.post(device.Event{Kind: device.EventConnectionStateChanged, Status: device.StatusSuccess, Link: device.LinkConnected})
	return nil
}

func (g *FakeGATT) Disconnect() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return device.ErrNotConnected
	}
	g.disconnect = true
	g.mu.Unlock()

	g.post(device.Event{Kind: device.EventConnectionStateChanged, Status: device.StatusSuccess, Link: device.LinkDisconnected})
	return nil
}

func (g *FakeGATT) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// CompleteConnect reports the dial outcome.
func (g *FakeGATT) CompleteConnect(status device.Status) {
	link := device.LinkConnected
	var err error
	if status != device.StatusSuccess {
		link = device.LinkDisconnected
		err = fmt.Errorf("dial %s: %w", g.address, device.ErrTimeout)
	}
	g.post(device.Event{Kind: device.EventConnectionStateChanged, Status: status, Link: link, Err: err})
}

// Notify emits a characteristic-changed event for ffe1.
func (g *FakeGATT) Notify(data []byte) {
	g.post(device.Event{
		Kind:           device.EventCharacteristicChanged,
		Characteristic: device.DataCharacteristicUUID,
		Data:           append([]byte(nil), data...),
	})
}

// DropLink reports a link loss with the given status.
func (g *FakeGATT) DropLink(status device.Status) {
	g.post(device.Event{Kind: device.EventConnectionStateChanged, Status: status, Link: device.LinkDisconnected})
}

// Subscribed reports whether notifications are enabled for uuid.
func (g *FakeGATT) Subscribed(uuid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscribed[device.NormalizeUUID(uuid)]
}

// Indicating reports whether the last subscription used indications.
func (g *FakeGATT) Indicating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.indicate
}

// Closed reports whether the handle was released.
func (g *FakeGATT) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Reconnects returns how many times Reconnect was called.
func (g *FakeGATT) Reconnects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reconnects
}

func (g *FakeGATT) post(ev device.Event) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed || g.sink == nil {
		return
	}
	g.sink(ev)
}
