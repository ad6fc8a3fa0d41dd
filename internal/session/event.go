package session

import (
	"fmt"
	"time"

	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/record"
)

// Kind tags the SessionEvent variant.
type Kind int

const (
	KindLoading Kind = iota
	KindSuccess
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is what observers of a session see.
//
//	Loading  Message, Devices (while scanning)
//	Success  State, Record (when a record was produced)
//	Error    Message, Err
//
// State, Attempt, DeviceName, SessionID and At are stamped on every event.
type Event struct {
	Kind       Kind
	Message    string
	Devices    []device.Device
	State      device.ConnectionState
	Attempt    int
	DeviceName string
	SessionID  string
	Record     *record.Record
	Err        error
	At         time.Time
}

// Loading builds a progress event.
func Loading(message string, devices ...device.Device) Event {
	return Event{Kind: KindLoading, Message: message, Devices: devices}
}

// Success builds a state or record event.
func Success(state device.ConnectionState) Event {
	return Event{Kind: KindSuccess, State: state}
}

// RecordReady builds a Success event carrying a record.
func RecordReady(rec *record.Record) Event {
	return Event{Kind: KindSuccess, State: device.Connected, Record: rec, Message: "record ready"}
}

// Error builds a failure event.
func Error(message string, err error) Event {
	return Event{Kind: KindError, Message: message, Err: err}
}

func (e Event) String() string {
	switch e.Kind {
	case KindError:
		if e.Err != nil {
			return fmt.Sprintf("error: %s: %v", e.Message, e.Err)
		}
		return "error: " + e.Message
	case KindSuccess:
		if e.Record != nil {
			return fmt.Sprintf("success: %s", e.Message)
		}
		return fmt.Sprintf("success: %s", e.State)
	default:
		return "loading: " + e.Message
	}
}
