package services

import (
	"fmt"
	"math"

	"github.com/godbus/dbus/v5"
)

const (
	upowerBus     = "org.freedesktop.UPower"
	upowerDisplay = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	upowerDevice  = "org.freedesktop.UPower.Device"
)

// UPowerLevel reads the host battery through UPower's display device.
type UPowerLevel struct {
	conn *dbus.Conn
}

// NewUPowerLevel connects to the system bus.
func NewUPowerLevel() (*UPowerLevel, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("services: connect system bus: %w", err)
	}
	return &UPowerLevel{conn: conn}, nil
}

// Level returns the display device percentage.
func (u *UPowerLevel) Level() (uint8, error) {
	v, err := u.conn.Object(upowerBus, upowerDisplay).GetProperty(upowerDevice + ".Percentage")
	if err != nil {
		return 0, fmt.Errorf("services: read upower percentage: %w", err)
	}
	pct, ok := v.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("services: upower percentage has type %T", v.Value())
	}
	return uint8(math.Round(math.Max(0, math.Min(100, pct)))), nil
}

var _ LevelReader = (*UPowerLevel)(nil)
