// Package gatt holds the attribute handles the application owns and the
// dispatcher that validates and applies peer reads and writes on them.
package gatt

import "fmt"

// Handle is an attribute handle in the local database.
type Handle uint16

// Handles of the attributes the application serves. The rest of the
// database is answered by the stack.
const (
	HandleDeviceName         Handle = 0x0003
	HandleBatteryLevel       Handle = 0x0012
	HandleBatteryLevelConfig Handle = 0x0013
	HandleMeasurement        Handle = 0x0022
	HandleMeasurementConfig  Handle = 0x0023
	HandleControlPoint       Handle = 0x0025
)

// ConnID identifies a live connection.
type ConnID uint16

// InvalidConn is recorded while no connection is active.
const InvalidConn ConnID = 0xFFFF

// Status is an access response code.
type Status uint16

const (
	StatusSuccess             Status = 0x0000
	StatusReadNotPermitted    Status = 0x0002
	StatusWriteNotPermitted   Status = 0x0003
	StatusRequestNotSupported Status = 0x0006
	// StatusApplication is the first application-specific error code.
	StatusApplication Status = 0x0080
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusWriteNotPermitted:
		return "write not permitted"
	case StatusRequestNotSupported:
		return "request not supported"
	case StatusApplication:
		return "application error"
	default:
		return fmt.Sprintf("status %#04x", uint16(s))
	}
}

// ClientConfig is a client characteristic configuration value.
type ClientConfig uint16

const (
	ConfigNone         ClientConfig = 0x0000
	ConfigNotification ClientConfig = 0x0001
	ConfigIndication   ClientConfig = 0x0002
)

// ParseNotifyConfig decodes a 2-byte little-endian configuration write.
// Only None and Notification are accepted; anything else, including a
// value of the wrong length, is an application rejection.
func ParseNotifyConfig(value []byte) (ClientConfig, Status) {
	if len(value) != 2 {
		return 0, StatusApplication
	}
	v := ClientConfig(uint16(value[0]) | uint16(value[1])<<8)
	switch v {
	case ConfigNone, ConfigNotification:
		return v, StatusSuccess
	default:
		return 0, StatusApplication
	}
}

// Bytes encodes the configuration as it is read back by a peer.
func (c ClientConfig) Bytes() []byte {
	return []byte{byte(c), byte(c >> 8)}
}
