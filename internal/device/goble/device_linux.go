package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newDevice(dialTimeout time.Duration) (ble.Device, error) {
	if dialTimeout <= 0 {
		return linux.NewDevice()
	}
	return linux.NewDevice(ble.OptDialerTimeout(dialTimeout))
}
