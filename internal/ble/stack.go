// Package ble is the peripheral side of the radio: it publishes the
// attribute table through the host Bluetooth stack, advertises, enforces
// the connect whitelist and turns stack callbacks into machine events.
package ble

import (
	"time"

	"github.com/chaz8081/brewbeat/internal/gatt"
)

// Standard 16-bit UUIDs in 128-bit form.
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"
	BatteryServiceUUID       = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelUUID         = "00002a19-0000-1000-8000-00805f9b34fb"
	DeviceNameUUID           = "00002a00-0000-1000-8000-00805f9b34fb"
)

// CharFlags are characteristic properties.
type CharFlags uint8

const (
	CharRead CharFlags = 1 << iota
	CharWrite
	CharNotify
)

// Characteristic describes one characteristic to publish. Handle ties it
// back to the attribute table.
type Characteristic struct {
	Handle gatt.Handle
	UUID   string
	Flags  CharFlags
	Value  []byte
}

// Service describes a primary service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Advertisement configures connectable advertising.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []string
	Interval     time.Duration
}

// ConnectHandler is called by the stack when a central connects or
// disconnects. addr is the stack's textual peer address.
type ConnectHandler func(addr string, random bool, connected bool)

// WriteHandler is called by the stack when a central writes handle.
type WriteHandler func(handle gatt.Handle, value []byte)

// Stack abstracts the host Bluetooth stack for testing.
type Stack interface {
	// Enable powers on the adapter.
	Enable() error
	// SetConnectHandler installs the connection callback.
	SetConnectHandler(h ConnectHandler)
	// AddService publishes svc; writes from centrals go to onWrite.
	AddService(svc Service, onWrite WriteHandler) error
	// Advertise starts advertising with adv, replacing any running
	// advertisement.
	Advertise(adv Advertisement) error
	// StopAdvertising stops advertising.
	StopAdvertising() error
	// Notify updates the value of handle and notifies subscribers.
	Notify(handle gatt.Handle, data []byte) error
	// Disconnect drops the link to addr.
	Disconnect(addr string) error
}
