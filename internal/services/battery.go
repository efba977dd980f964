package services

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/brewbeat/internal/gatt"
	"github.com/chaz8081/brewbeat/internal/nvm"
)

// BatteryWords is the store block of the battery service.
const BatteryWords = 1

// LevelReader returns the battery charge in percent.
type LevelReader interface {
	Level() (uint8, error)
}

// StaticLevel is a LevelReader for mains-powered hardware.
type StaticLevel uint8

func (s StaticLevel) Level() (uint8, error) { return uint8(s), nil }

// Notifier delivers attribute values to the stack. Notify sends to the
// connected peer; Publish only refreshes the value the stack serves to reads.
type Notifier interface {
	Notify(conn gatt.ConnID, h gatt.Handle, data []byte) error
	Publish(h gatt.Handle, value []byte) error
}

// Battery serves the battery level and its notification config.
type Battery struct {
	store  *nvm.Store
	reader LevelReader
	tx     Notifier
	bonded func() bool
	fault  func(error)

	offset int
	config gatt.ClientConfig
	last   uint8
}

// NewBattery creates the battery service.
func NewBattery(store *nvm.Store, reader LevelReader, tx Notifier, bonded func() bool, fault func(error)) *Battery {
	if fault == nil {
		fault = func(err error) { slog.Error("[BATT] store write failed", "error", err) }
	}
	return &Battery{store: store, reader: reader, tx: tx, bonded: bonded, fault: fault}
}

// ReadFromStore claims the config word and restores it while bonded.
func (b *Battery) ReadFromStore(fresh bool, layout *nvm.Layout) error {
	off, err := layout.Claim(BatteryWords)
	if err != nil {
		return fmt.Errorf("services: claim battery store: %w", err)
	}
	b.offset = off
	if b.bonded() {
		v, err := b.store.ReadWord(b.offset)
		if err != nil {
			return fmt.Errorf("services: read battery config: %w", err)
		}
		b.config = gatt.ClientConfig(v)
	}
	return nil
}

// DataInit drops an unbonded peer's subscription.
func (b *Battery) DataInit() error {
	if !b.bonded() {
		b.config = gatt.ConfigNone
	}
	return nil
}

// BondingNotify persists a subscription made before bonding completed.
func (b *Battery) BondingNotify() error {
	if !b.bonded() {
		return nil
	}
	if err := b.store.WriteWord(b.offset, uint16(b.config)); err != nil {
		return fmt.Errorf("services: write battery config: %w", err)
	}
	return nil
}

// Config returns the peer's notification subscription.
func (b *Battery) Config() gatt.ClientConfig {
	return b.config
}

// UpdateLevel reads the battery and pushes the level to the stack: as a
// notification if the peer on conn subscribed, otherwise as the value
// served to reads.
func (b *Battery) UpdateLevel(conn gatt.ConnID) error {
	lvl := []byte{b.level()}
	if b.config == gatt.ConfigNotification && conn != gatt.InvalidConn {
		if err := b.tx.Notify(conn, gatt.HandleBatteryLevel, lvl); err != nil {
			return fmt.Errorf("services: notify battery: %w", err)
		}
		return nil
	}
	if err := b.tx.Publish(gatt.HandleBatteryLevel, lvl); err != nil {
		return fmt.Errorf("services: publish battery: %w", err)
	}
	return nil
}

// Attributes returns the level and level config attributes.
func (b *Battery) Attributes() []gatt.Attribute {
	return []gatt.Attribute{
		{
			Handle: gatt.HandleBatteryLevel,
			Name:   "battery level",
			Read: func() ([]byte, gatt.Status) {
				return []byte{b.level()}, gatt.StatusSuccess
			},
		},
		{
			Handle: gatt.HandleBatteryLevelConfig,
			Name:   "battery level config",
			Read: func() ([]byte, gatt.Status) {
				return b.config.Bytes(), gatt.StatusSuccess
			},
			Write: b.writeConfig,
		},
	}
}

func (b *Battery) writeConfig(value []byte) gatt.Status {
	cfg, status := gatt.ParseNotifyConfig(value)
	if status != gatt.StatusSuccess {
		return status
	}
	b.config = cfg
	if b.bonded() {
		if err := b.store.WriteWord(b.offset, uint16(cfg)); err != nil {
			b.fault(fmt.Errorf("services: write battery config: %w", err))
		}
	}
	return gatt.StatusSuccess
}

// level reads the battery, falling back to the last good reading.
func (b *Battery) level() uint8 {
	lvl, err := b.reader.Level()
	if err != nil {
		slog.Warn("[BATT] level unavailable", "error", err)
		return b.last
	}
	if lvl > 100 {
		lvl = 100
	}
	b.last = lvl
	return lvl
}
