//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blerec/internal/device"
)

func newDevice(time.Duration) (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE host stack for %s", device.ErrUnsupported, runtime.GOOS)
}
