//go:build test

package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blerec/internal/device"
)

// Advertisement is a static device.Advertisement for tests.
type Advertisement struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	SignalRSSI   int      `json:"rssi"`
	CanConnect   bool     `json:"connectable"`
	ServiceUUIDs []string `json:"services"`
}

func (a *Advertisement) LocalName() string  { return a.Name }
func (a *Advertisement) Addr() string       { return a.Address }
func (a *Advertisement) RSSI() int          { return a.SignalRSSI }
func (a *Advertisement) Connectable() bool  { return a.CanConnect }
func (a *Advertisement) Services() []string { return a.ServiceUUIDs }

// AdvertisementBuilder builds advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a connectable advertisement with RSSI -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{SignalRSSI: -50, CanConnect: true}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.SignalRSSI = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.CanConnect = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	return &adv
}

// CreateMockAdvertisement is a shortcut for the common name/address/rssi case.
func CreateMockAdvertisement(name, address string, rssi int) device.Advertisement {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi).Build()
}
