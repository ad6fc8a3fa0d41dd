package device

import "fmt"

// Status is the outcome attached to an asynchronous GATT completion.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// LinkState is the link layer state reported with EventConnectionStateChanged.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnected
)

func (s LinkState) String() string {
	if s == LinkConnected {
		return "connected"
	}
	return "disconnected"
}

// EventKind tags the variant carried by Event.
type EventKind int

const (
	EventScanResult EventKind = iota
	EventScanFailed
	EventConnectionStateChanged
	EventServicesDiscovered
	EventMTUChanged
	EventDescriptorWritten
	EventCharacteristicChanged
)

var eventKindNames = [...]string{
	EventScanResult:             "scan_result",
	EventScanFailed:             "scan_failed",
	EventConnectionStateChanged: "connection_state_changed",
	EventServicesDiscovered:     "services_discovered",
	EventMTUChanged:             "mtu_changed",
	EventDescriptorWritten:      "descriptor_written",
	EventCharacteristicChanged:  "characteristic_changed",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is a transport callback. Only the fields relevant to Kind are set.
//
//	EventScanResult             Device, Devices, Target
//	EventScanFailed             Err
//	EventConnectionStateChanged Status, Link, Err
//	EventServicesDiscovered     Status, Err
//	EventMTUChanged             Status, MTU
//	EventDescriptorWritten      Status, Characteristic, Err
//	EventCharacteristicChanged  Characteristic, Data
type Event struct {
	Kind           EventKind
	Status         Status
	Link           LinkState
	Device         Device
	Devices        []Device
	Target         bool
	MTU            int
	Characteristic string
	Data           []byte
	Err            error
}

// Failed reports whether the event carries a failure status.
func (e Event) Failed() bool {
	return e.Status != StatusSuccess
}

// EventSink receives transport events. Implementations must not block.
type EventSink func(Event)
