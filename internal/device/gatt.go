package device

// Well-known UUIDs of the recording peripheral, in normalized form.
const (
	DataServiceUUID        = "ffe0"
	DataCharacteristicUUID = "ffe1"
	CCCDUUID               = "2902"
)

// DefaultMTU is the ATT MTU requested once the services are known.
const DefaultMTU = 517

// Property is a characteristic property bit.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
)

// Has reports whether all bits of p are set.
func (props Property) Has(p Property) bool {
	return props&p == p
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	UUID string
}

// Characteristic is a discovered GATT characteristic.
//
// Native carries the stack specific handle so the owning GATT implementation
// can address it again.
type Characteristic struct {
	UUID        string
	Properties  Property
	Descriptors []*Descriptor
	Native      any
}

// Descriptor looks up a descriptor by UUID.
func (c *Characteristic) Descriptor(uuid string) *Descriptor {
	want := NormalizeUUID(uuid)
	for _, d := range c.Descriptors {
		if NormalizeUUID(d.UUID) == want {
			return d
		}
	}
	return nil
}

// CanNotify reports whether the peripheral can push values for c.
func (c *Characteristic) CanNotify() bool {
	return c.Properties.Has(PropNotify) || c.Properties.Has(PropIndicate)
}

// PrefersIndication reports whether indication should be used over notification.
func (c *Characteristic) PrefersIndication() bool {
	return c.Properties.Has(PropIndicate)
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// FindCharacteristic resolves serviceUUID/charUUID among services.
// Returns a NotFoundError naming the missing level.
func FindCharacteristic(services []*Service, serviceUUID, charUUID string) (*Characteristic, error) {
	wantSvc := NormalizeUUID(serviceUUID)
	wantChar := NormalizeUUID(charUUID)
	for _, svc := range services {
		if NormalizeUUID(svc.UUID) != wantSvc {
			continue
		}
		for _, ch := range svc.Characteristics {
			if NormalizeUUID(ch.UUID) == wantChar {
				return ch, nil
			}
		}
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return nil, &NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
}
