package goble

import (
	"sort"

	"github.com/go-ble/ble"
	"github.com/srg/blerec/internal/device"
)

// convertProfile maps a discovered go-ble profile onto device services,
// sorted by UUID. The CCCD go-ble tracks separately is listed as a
// descriptor.
func convertProfile(profile *ble.Profile) []*device.Service {
	if profile == nil {
		return nil
	}

	services := make([]*device.Service, 0, len(profile.Services))
	for _, bleSvc := range profile.Services {
		svc := &device.Service{UUID: device.NormalizeUUID(bleSvc.UUID.String())}
		for _, bleChar := range bleSvc.Characteristics {
			svc.Characteristics = append(svc.Characteristics, convertCharacteristic(bleChar))
		}
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].UUID < services[j].UUID
	})
	return services
}

func convertCharacteristic(c *ble.Characteristic) *device.Characteristic {
	ch := &device.Characteristic{
		UUID:       device.NormalizeUUID(c.UUID.String()),
		Properties: device.Property(c.Property),
		Native:     c,
	}
	for _, d := range c.Descriptors {
		ch.Descriptors = append(ch.Descriptors, &device.Descriptor{UUID: device.NormalizeUUID(d.UUID.String())})
	}
	if c.CCCD != nil && ch.Descriptor(device.CCCDUUID) == nil {
		ch.Descriptors = append(ch.Descriptors, &device.Descriptor{UUID: device.CCCDUUID})
	}
	sort.Slice(ch.Descriptors, func(i, j int) bool {
		return ch.Descriptors[i].UUID < ch.Descriptors[j].UUID
	})
	return ch
}
