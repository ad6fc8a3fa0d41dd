// Package session drives one BLE receiving session: scan, connect, discover,
// negotiate, subscribe, and recover from failures with a bounded retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/eventbus"
	"github.com/srg/blerec/internal/groutine"
	"github.com/srg/blerec/internal/scanner"
	"github.com/srg/blerec/internal/stream"
)

// Session errors
var (
	ErrInvalidState = errors.New("invalid session state")
	ErrClosed       = errors.New("controller closed")
)

// User-facing messages published on the bus.
const (
	MsgScanning           = "scanning"
	MsgDiscovered         = "discovered devices"
	MsgConnecting         = "connecting"
	MsgReconnecting       = "reconnecting"
	MsgDiscovering        = "discovering services"
	MsgNegotiatingMTU     = "negotiating MTU"
	MsgSubscribing        = "subscribing notifications"
	MsgCouldNotConnect    = "could not connect"
	MsgCharNotFound       = "characteristic not found"
	MsgSetNotification    = "set notification failed"
	MsgScanFailed         = "scan failed"
	MsgUnavailable        = "bluetooth unavailable"
	MsgProcessingFailed   = "processing failed"
	MsgConnectionReleased = "connection closed"
)

// Options configures a Controller.
type Options struct {
	Filter             scanner.Filter
	ServiceUUID        string
	CharacteristicUUID string
	MTU                int
	MaxAttempts        int
	SetupTimeout       time.Duration // 0 waits for the transport
	StreamBuffer       int
	Handlers           []stream.Handler
}

func (o Options) withDefaults() Options {
	if o.ServiceUUID == "" {
		o.ServiceUUID = device.DataServiceUUID
	}
	if o.CharacteristicUUID == "" {
		o.CharacteristicUUID = device.DataCharacteristicUUID
	}
	if o.MTU <= 0 {
		o.MTU = device.DefaultMTU
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Controller is the connection state machine of one session.
//
// Transport callbacks are queued and handled one at a time on the
// controller goroutine; public methods serialize with it through mu.
type Controller struct {
	adapter device.Adapter
	scanner *scanner.Scanner
	bus     *eventbus.Bus[Event]
	stream  *stream.Stream
	logger  *logrus.Logger
	opts    Options
	queue   *eventQueue

	mu         sync.Mutex
	ctx        context.Context
	state      device.ConnectionState
	retry      RetryCounter
	gatt       device.GATT
	generation uint64
	target     device.Device
	char       *device.Characteristic
	subscribed bool
	reached    bool // the current attempt series reached Connected
	cancelled  bool
	deliberate bool
	sessionID  string
	watchdog   *time.Timer
	closed     bool

	deviceName atomic.Value // string, read by the stream error path
	stop       context.CancelFunc
	done       <-chan struct{}
}

// New creates a Controller and starts its event loop. Call Close to release it.
func New(adapter device.Adapter, bus *eventbus.Bus[Event], opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	c := &Controller{
		adapter: adapter,
		scanner: scanner.New(adapter, logger),
		bus:     bus,
		logger:  logger,
		opts:    opts,
		queue:   newEventQueue(),
		ctx:     context.Background(),
		retry:   NewRetryCounter(opts.MaxAttempts),
	}
	c.deviceName.Store("")
	c.stream = stream.New(opts.StreamBuffer, c.reportProcessingError, logger, opts.Handlers...)

	loopCtx, stop := context.WithCancel(context.Background())
	c.stop = stop
	c.stream.Start(loopCtx)
	c.done = groutine.Go(loopCtx, "session-controller", c.loop)
	return c
}

// StartReceiving begins a session: capability check, then scanning. It
// resets the retry counter. Calling it while a session is active fails with
// ErrInvalidState.
func (c *Controller) StartReceiving(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state != device.Uninitialized && !c.state.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, c.state)
	}

	if err := c.adapter.Check(); err != nil {
		c.logger.WithField("error", err).Error("BLE capability check failed")
		c.publishLocked(Error(MsgUnavailable, err))
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx
	c.sessionID = uuid.NewString()
	c.cancelled = false
	c.reached = false
	c.retry.Reset()
	c.releaseHandleLocked()

	c.log().WithField("target", c.opts.Filter.String()).Info("Session started")
	return c.beginScanLocked()
}

// Connect hands a caller-selected device to the controller while scanning.
func (c *Controller) Connect(dev device.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != device.Initializing {
		return fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, c.state)
	}
	c.connectLocked(dev)
	return nil
}

// Reconnect re-establishes the link on the held handle without scanning.
// It is a no-op when no handle is held.
func (c *Controller) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gatt == nil {
		c.log().Debug("Reconnect ignored, no connection handle")
		return nil
	}
	c.deliberate = false
	c.cancelled = false
	c.setStateLocked(device.Connecting)
	c.publishLocked(Loading(MsgReconnecting))
	c.armWatchdogLocked()

	if err := c.gatt.Reconnect(); err != nil {
		c.failAttemptLocked(err)
	}
	return nil
}

// Disconnect drops the link but keeps the handle for Reconnect. It is a
// no-op when no handle is held.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gatt == nil {
		c.log().Debug("Disconnect ignored, no connection handle")
		return nil
	}
	c.deliberate = true
	c.unsubscribeLocked()
	if err := c.gatt.Disconnect(); err != nil {
		c.log().WithField("error", err).Warn("Disconnect request failed")
		return err
	}
	return nil
}

// CloseConnection ends the session from any state: it stops scanning,
// unsubscribes and releases the handle. Automatic restarts are suppressed.
// Calling it again has no further effect.
func (c *Controller) CloseConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeConnectionLocked()
}

func (c *Controller) closeConnectionLocked() {
	c.cancelled = true
	c.scanner.Stop()
	c.unsubscribeLocked()

	hadHandle := c.gatt != nil
	c.releaseHandleLocked()

	switch c.state {
	case device.Uninitialized, device.Disconnected, device.Failed:
		return
	}
	c.setStateLocked(device.Disconnected)
	c.log().WithField("had_handle", hadHandle).Info("Connection closed")
	c.publishLocked(Event{Kind: KindSuccess, State: device.Disconnected, Message: MsgConnectionReleased})
}

// Close ends the session and stops the controller goroutines.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeConnectionLocked()
	c.mu.Unlock()

	c.stop()
	<-c.done
	c.stream.Close()
}

// Publish stamps ev with the session context and posts it on the bus.
func (c *Controller) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(ev)
}

// State returns the current connection state.
func (c *Controller) State() device.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current retry counter value.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry.Attempt
}

// Target returns the device the session is bound to, if any.
func (c *Controller) Target() (device.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.target.ID != ""
}

// Devices returns the devices discovered by the current scan.
func (c *Controller) Devices() []device.Device {
	return c.scanner.Devices()
}

// Stream exposes the notification stream, e.g. for drop counters.
func (c *Controller) Stream() *stream.Stream {
	return c.stream
}

// SessionID returns the identifier of the current session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ----------------------------
// Event loop
// ----------------------------

func (c *Controller) sink(gen uint64) device.EventSink {
	return func(ev device.Event) {
		c.queue.push(queued{gen: gen, ev: ev})
	}
}

func (c *Controller) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue.signal:
		}
		for {
			item, ok := c.queue.pop()
			if !ok {
				break
			}
			c.handle(item)
		}
	}
}

func (c *Controller) handle(item queued) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item.gen != c.generation {
		c.log().WithFields(logrus.Fields{
			"event":      item.ev.Kind.String(),
			"generation": item.gen,
		}).Debug("Dropping event from released handle")
		return
	}
	if item.watchdog && !c.state.SettingUp() {
		return
	}

	ev := item.ev
	c.log().WithFields(logrus.Fields{
		"event":  ev.Kind.String(),
		"status": ev.Status.String(),
		"state":  c.state.String(),
	}).Debug("Handling transport event")

	switch ev.Kind {
	case device.EventScanResult:
		c.onScanResult(ev)
	case device.EventScanFailed:
		c.onScanFailed(ev)
	case device.EventConnectionStateChanged:
		c.onConnectionStateChanged(ev)
	case device.EventServicesDiscovered:
		c.onServicesDiscovered(ev)
	case device.EventMTUChanged:
		c.onMTUChanged(ev)
	case device.EventDescriptorWritten:
		c.onDescriptorWritten(ev)
	case device.EventCharacteristicChanged:
		c.onCharacteristicChanged(ev)
	}
}

func (c *Controller) onScanResult(ev device.Event) {
	if c.state != device.Initializing {
		return
	}
	c.publishLocked(Loading(MsgDiscovered, ev.Devices...))
	if ev.Target {
		c.connectLocked(ev.Device)
	}
}

func (c *Controller) onScanFailed(ev device.Event) {
	if c.state != device.Initializing {
		return
	}
	c.setStateLocked(device.Failed)
	c.publishLocked(Error(MsgScanFailed, ev.Err))
}

func (c *Controller) onConnectionStateChanged(ev device.Event) {
	if !c.state.SettingUp() && c.state != device.Connected {
		return
	}

	switch {
	case ev.Failed():
		err := ev.Err
		if err == nil {
			err = device.ErrNotConnected
		}
		c.failAttemptLocked(err)

	case ev.Link == device.LinkConnected:
		if c.state != device.Connecting {
			return
		}
		if c.gatt == nil {
			c.failAttemptLocked(device.ErrNotConnected)
			return
		}
		c.setStateLocked(device.ServiceDiscovery)
		c.publishLocked(Loading(MsgDiscovering))
		if err := c.gatt.DiscoverServices(); err != nil {
			c.failAttemptLocked(err)
		}

	default:
		// link dropped with success status
		c.stopWatchdogLocked()
		c.subscribed = false
		c.setStateLocked(device.Disconnected)
		if !c.deliberate {
			c.releaseHandleLocked()
		}
		c.publishLocked(Success(device.Disconnected))
	}
}

func (c *Controller) onServicesDiscovered(ev device.Event) {
	if c.state != device.ServiceDiscovery {
		return
	}
	if ev.Failed() {
		err := ev.Err
		if err == nil {
			err = errors.New("service discovery failed")
		}
		c.failAttemptLocked(err)
		return
	}

	c.setStateLocked(device.NegotiatingMtu)
	c.publishLocked(Loading(MsgNegotiatingMTU))
	if err := c.gatt.RequestMTU(c.opts.MTU); err != nil {
		c.log().WithField("error", err).Warn("MTU request not issued, continuing with default MTU")
		c.subscribeLocked()
	}
}

func (c *Controller) onMTUChanged(ev device.Event) {
	if c.state != device.NegotiatingMtu {
		return
	}
	c.log().WithFields(logrus.Fields{
		"mtu":    ev.MTU,
		"status": ev.Status.String(),
	}).Info("MTU negotiated")
	c.subscribeLocked()
}

func (c *Controller) onDescriptorWritten(ev device.Event) {
	if c.state != device.SubscribingNotifications {
		return
	}
	if ev.Failed() {
		c.failSetupLocked(MsgSetNotification, ev.Err)
		return
	}

	c.stopWatchdogLocked()
	c.subscribed = true
	c.reached = true
	c.stream.Resubscribed()
	c.setStateLocked(device.Connected)
	c.log().WithField("characteristic", c.opts.CharacteristicUUID).Info("Receiving notifications")
	c.publishLocked(Success(device.Connected))
}

func (c *Controller) onCharacteristicChanged(ev device.Event) {
	if c.state != device.Connected && c.state != device.SubscribingNotifications {
		return
	}
	if device.NormalizeUUID(ev.Characteristic) != device.NormalizeUUID(c.opts.CharacteristicUUID) {
		return
	}
	c.stream.Deliver(ev.Characteristic, ev.Data)
}

// ----------------------------
// Transitions
// ----------------------------

func (c *Controller) beginScanLocked() error {
	c.scanner.Stop()
	c.generation++
	c.target = device.Device{}
	c.deviceName.Store("")
	c.setStateLocked(device.Initializing)
	c.publishLocked(Loading(MsgScanning))

	if err := c.scanner.Start(c.ctx, c.opts.Filter, c.sink(c.generation)); err != nil {
		c.setStateLocked(device.Failed)
		c.publishLocked(Error(MsgScanFailed, err))
		return err
	}
	return nil
}

func (c *Controller) connectLocked(dev device.Device) {
	c.scanner.Stop()
	c.generation++
	c.target = dev
	c.deviceName.Store(dev.DisplayName())
	c.deliberate = false
	c.setStateLocked(device.Connecting)
	c.publishLocked(Loading(MsgConnecting))

	c.log().WithFields(logrus.Fields{
		"device":  dev.Name,
		"address": dev.ID,
	}).Info("Connecting to BLE device...")

	c.armWatchdogLocked()
	gatt, err := c.adapter.Connect(c.ctx, dev.ID, c.sink(c.generation))
	if err != nil {
		c.failAttemptLocked(err)
		return
	}
	c.gatt = gatt
}

func (c *Controller) subscribeLocked() {
	c.setStateLocked(device.SubscribingNotifications)
	c.publishLocked(Loading(MsgSubscribing))

	ch, err := device.FindCharacteristic(c.gatt.Services(), c.opts.ServiceUUID, c.opts.CharacteristicUUID)
	if err != nil {
		c.failSetupLocked(MsgCharNotFound, err)
		return
	}
	if !ch.CanNotify() {
		c.failSetupLocked(MsgSetNotification, fmt.Errorf("characteristic %s: %w", ch.UUID, device.ErrUnsupported))
		return
	}
	if ch.Descriptor(device.CCCDUUID) == nil {
		c.failSetupLocked(MsgSetNotification, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{ch.UUID, device.CCCDUUID}})
		return
	}

	c.char = ch
	if err := c.gatt.EnableNotification(ch, ch.PrefersIndication()); err != nil {
		c.failSetupLocked(MsgSetNotification, err)
	}
}

// failAttemptLocked handles a transient failure: release, count, then either
// restart from scanning or give up.
func (c *Controller) failAttemptLocked(cause error) {
	if device.IsCapabilityError(cause) {
		c.failSetupLocked(MsgUnavailable, cause)
		return
	}
	c.releaseHandleLocked()
	if c.reached {
		// a working link was lost; failures are counted from here on
		c.reached = false
		c.retry.Reset()
	}
	attempt := c.retry.Increment()

	c.log().WithFields(logrus.Fields{
		"attempt": attempt,
		"max":     c.retry.Max,
		"error":   cause,
	}).Warn("Connection attempt failed")

	if c.cancelled {
		return
	}
	c.publishLocked(Loading(fmt.Sprintf("attempt %d / %d", attempt, c.retry.Max)))
	if c.retry.Exhausted() {
		c.setStateLocked(device.Failed)
		c.publishLocked(Error(MsgCouldNotConnect, cause))
		return
	}
	_ = c.beginScanLocked()
}

// failSetupLocked ends the session without retrying.
func (c *Controller) failSetupLocked(message string, cause error) {
	c.log().WithField("error", cause).Error("Connection setup failed")
	c.releaseHandleLocked()
	c.setStateLocked(device.Failed)
	c.publishLocked(Error(message, cause))
}

func (c *Controller) unsubscribeLocked() {
	if c.gatt == nil || c.char == nil || !c.subscribed {
		return
	}
	if err := c.gatt.DisableNotification(c.char); err != nil {
		c.log().WithField("error", err).Warn("Failed to unsubscribe")
	}
	c.subscribed = false
}

func (c *Controller) releaseHandleLocked() {
	c.stopWatchdogLocked()
	if c.gatt != nil {
		if err := c.gatt.Close(); err != nil {
			c.log().WithField("error", err).Debug("Closing connection handle failed")
		}
		c.gatt = nil
	}
	c.char = nil
	c.subscribed = false
	c.deliberate = false
	c.generation++
}

func (c *Controller) armWatchdogLocked() {
	c.stopWatchdogLocked()
	if c.opts.SetupTimeout <= 0 {
		return
	}
	gen := c.generation
	c.watchdog = time.AfterFunc(c.opts.SetupTimeout, func() {
		c.queue.push(queued{
			gen:      gen,
			watchdog: true,
			ev: device.Event{
				Kind:   device.EventConnectionStateChanged,
				Status: device.StatusFailure,
				Link:   device.LinkDisconnected,
				Err:    fmt.Errorf("connection setup: %w", device.ErrTimeout),
			},
		})
	})
}

func (c *Controller) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Controller) setStateLocked(s device.ConnectionState) {
	if c.state == s {
		return
	}
	c.log().WithFields(logrus.Fields{
		"from": c.state.String(),
		"to":   s.String(),
	}).Debug("State transition")
	c.state = s
}

func (c *Controller) publishLocked(ev Event) {
	ev.State = c.state
	ev.Attempt = c.retry.Attempt
	ev.DeviceName = c.target.DisplayName()
	ev.SessionID = c.sessionID
	ev.At = time.Now()
	c.bus.Publish(ev)
}

func (c *Controller) reportProcessingError(err error) {
	name, _ := c.deviceName.Load().(string)
	ev := Error(MsgProcessingFailed, err)
	ev.DeviceName = name
	ev.At = time.Now()
	c.bus.Publish(ev)
}

func (c *Controller) log() *logrus.Entry {
	return c.logger.WithField("session", c.sessionID)
}
