package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus        = "org.bluez"
	bluezDevice     = "org.bluez.Device1"
	propertiesIface = "org.freedesktop.DBus.Properties"
)

// SecuritySink receives link security changes seen on the host.
type SecuritySink interface {
	Secured(addr string, fresh bool)
}

// securityChange classifies a Device1 property change. It reports fresh
// when the device just paired or bonded, and resumed when an already
// paired device connected. paired is consulted only for connects.
func securityChange(changed map[string]dbus.Variant, paired func() (bool, error)) (fresh, resumed bool) {
	for _, name := range []string{"Paired", "Bonded"} {
		if v, ok := changed[name]; ok && v.Value() == true {
			return true, false
		}
	}
	v, ok := changed["Connected"]
	if !ok || v.Value() != true {
		return false, false
	}
	p, err := paired()
	if err != nil {
		slog.Debug("[BLE] paired lookup failed", "error", err)
		return false, false
	}
	return false, p
}

// BlueZWatcher follows BlueZ device properties on the system bus and turns
// pairing and bonded reconnects into security events. BlueZ owns the keys,
// so this is the only place the peripheral learns a link is encrypted.
type BlueZWatcher struct {
	conn *dbus.Conn
}

// NewBlueZWatcher connects to the system bus.
func NewBlueZWatcher() (*BlueZWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}
	return &BlueZWatcher{conn: conn}, nil
}

// Run delivers security changes to sink until ctx is cancelled.
func (w *BlueZWatcher) Run(ctx context.Context, sink SecuritySink) error {
	err := w.conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, bluezDevice),
	)
	if err != nil {
		return fmt.Errorf("ble: add match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, 25)
	w.conn.Signal(signals)
	defer w.conn.RemoveSignal(signals)
	slog.Info("[BLE] watching BlueZ for pairing")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return errors.New("ble: system bus closed")
			}
			w.handle(sig, sink)
		}
	}
}

func (w *BlueZWatcher) handle(sig *dbus.Signal, sink SecuritySink) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezDevice {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	dev := w.conn.Object(bluezBus, sig.Path)
	fresh, resumed := securityChange(changed, func() (bool, error) {
		v, err := dev.GetProperty(bluezDevice + ".Paired")
		if err != nil {
			return false, err
		}
		p, _ := v.Value().(bool)
		return p, nil
	})
	if !fresh && !resumed {
		return
	}

	v, err := dev.GetProperty(bluezDevice + ".Address")
	if err != nil {
		slog.Warn("[BLE] device address lookup failed", "path", sig.Path, "error", err)
		return
	}
	addr, ok := v.Value().(string)
	if !ok {
		return
	}
	slog.Info("[BLE] link secured", "addr", addr, "paired", fresh)
	sink.Secured(addr, fresh)
}

// Close releases the bus connection.
func (w *BlueZWatcher) Close() error {
	return w.conn.Close()
}
