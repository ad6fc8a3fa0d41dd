package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// LinkFailure represents the specific kind of link-level failure
type LinkFailure string

const (
	NotConnected     LinkFailure = "not_connected"
	AlreadyConnected LinkFailure = "already_connected"
	NotInitialized   LinkFailure = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State LinkFailure
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for link states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Capability and operation errors
var (
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrUnsupported      = errors.New("unsupported")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("timeout")
)

// IsLinkFailure reports whether err is a ConnectionError with the given state
func IsLinkFailure(err error, state LinkFailure) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// IsCapabilityError reports whether err means the host cannot do BLE at all.
// Such errors are never retried.
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrBluetoothOff) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrPermissionDenied)
}

// Device is a discovered peripheral. Identity is the hardware address.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	RSSI         int       `json:"rssi"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DisplayName returns the advertised name, falling back to the address.
func (d Device) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return d.ID
}

// Advertisement is the subset of an advertising report the scanner consumes.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
}

// Adapter is the host-side BLE radio.
//
// Scan blocks until ctx is cancelled or the stack fails; cancellation is not
// an error. Connect returns immediately with a GATT handle; the outcome of the
// dial arrives on sink as an EventConnectionStateChanged.
type Adapter interface {
	Check() error
	Scan(ctx context.Context, handler func(Advertisement)) error
	Connect(ctx context.Context, address string, sink EventSink) (GATT, error)
}

// GATT is a handle to one peripheral link.
//
// Every request method returns as soon as the request is issued; completions
// are posted to the handle's EventSink. Returned errors only report requests
// that could not be issued at all.
type GATT interface {
	Address() string
	DiscoverServices() error
	RequestMTU(mtu int) error
	Services() []*Service
	EnableNotification(ch *Characteristic, indicate bool) error
	DisableNotification(ch *Characteristic) error
	Reconnect() error
	Disconnect() error
	Close() error
}
