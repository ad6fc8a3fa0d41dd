package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blerec/internal/device"
)

// bleAdvertisement wraps ble.Advertisement to implement device.Advertisement
type bleAdvertisement struct {
	adv ble.Advertisement
}

func newAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &bleAdvertisement{adv: adv}
}

func (a *bleAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *bleAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *bleAdvertisement) RSSI() int         { return a.adv.RSSI() }

func (a *bleAdvertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return a.adv.Addr().String()
}

func (a *bleAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = device.NormalizeUUID(svc.String())
	}
	return result
}
