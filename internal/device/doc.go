// Package device defines the transport-neutral view of a BLE central session.
//
// It holds the peripheral model (Device), the connection lifecycle states,
// the tagged transport Event delivered by every asynchronous GATT operation,
// and the Adapter/GATT interfaces a concrete BLE stack implements:
//   - Adapter: capability check, scanning, dialing
//   - GATT: service discovery, MTU exchange, notification (un)subscription
//
// Concrete stacks live in sub-packages (see device/goble). Tests use the
// scripted fakes from internal/testutils.
package device
