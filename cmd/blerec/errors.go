package main

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
	"github.com/srg/blerec/internal/delivery"
	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/store"
)

// Command-level errors
var (
	// ErrSessionFailed means the controller gave up after its connection attempts.
	ErrSessionFailed = errors.New("session failed")
)

// FormatUserError turns known errors into a hint the operator can act on.
// Unknown errors are printed as they are.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off, enable it and try again"
	case errors.Is(err, device.ErrPermissionDenied):
		return "permission denied using Bluetooth (on Linux run with CAP_NET_ADMIN or as root)"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not supported on this host"
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("operation timed out: %v", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("device does not expose the data channel: %v", notFound)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Sprintf("upload server keeps failing, records stay queued: %v", err)
	case delivery.Code(err) != 0:
		return fmt.Sprintf("upload rejected with HTTP %d: %v", delivery.Code(err), err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("snapshot not found: %v", err)
	}
	return err.Error()
}
