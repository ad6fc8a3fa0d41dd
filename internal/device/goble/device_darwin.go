package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// CoreBluetooth applies its own dial timeout.
func newDevice(time.Duration) (ble.Device, error) {
	return darwin.NewDevice()
}
