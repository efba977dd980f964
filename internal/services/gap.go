// Package services holds the sibling services that sit beside the
// measurement pipeline: device identity and battery level. Each claims its
// own block of the store at start and reacts to bonding.
package services

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/brewbeat/internal/gatt"
	"github.com/chaz8081/brewbeat/internal/nvm"
)

// MaxNameLen is the longest device name the store can hold.
const MaxNameLen = 20

// GAPWords is the store block of the identity service: a length word
// followed by the packed name.
const GAPWords = 1 + MaxNameLen/2

// GAP serves the device name.
type GAP struct {
	store  *nvm.Store
	offset int
	name   []byte
	fault  func(error)
}

// NewGAP creates the identity service. name is written to a fresh store.
func NewGAP(store *nvm.Store, name string, fault func(error)) *GAP {
	n := []byte(name)
	if len(n) > MaxNameLen {
		n = n[:MaxNameLen]
	}
	if fault == nil {
		fault = func(err error) { slog.Error("[GAP] store write failed", "error", err) }
	}
	return &GAP{store: store, name: n, fault: fault}
}

// Name returns the current device name.
func (g *GAP) Name() string {
	return string(g.name)
}

func (g *GAP) DataInit() error { return nil }

func (g *GAP) BondingNotify() error { return nil }

// ReadFromStore claims the name block. A fresh store gets the configured
// name, otherwise the stored name replaces it.
func (g *GAP) ReadFromStore(fresh bool, layout *nvm.Layout) error {
	off, err := layout.Claim(GAPWords)
	if err != nil {
		return fmt.Errorf("services: claim gap store: %w", err)
	}
	g.offset = off
	if fresh {
		return g.persist()
	}

	w := make([]uint16, GAPWords)
	if err := g.store.Read(g.offset, w); err != nil {
		return fmt.Errorf("services: read name: %w", err)
	}
	n := int(w[0])
	if n == 0 || n > MaxNameLen {
		slog.Warn("[GAP] stored name invalid, keeping configured name", "len", n)
		return g.persist()
	}
	name := make([]byte, n)
	for i := range name {
		word := w[1+i/2]
		if i%2 == 0 {
			name[i] = byte(word)
		} else {
			name[i] = byte(word >> 8)
		}
	}
	g.name = name
	return nil
}

// SetName replaces and persists the device name.
func (g *GAP) SetName(name []byte) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return fmt.Errorf("services: name length %d out of range", len(name))
	}
	g.name = append([]byte(nil), name...)
	return g.persist()
}

// Attributes returns the device name attribute.
func (g *GAP) Attributes() []gatt.Attribute {
	return []gatt.Attribute{{
		Handle: gatt.HandleDeviceName,
		Name:   "device name",
		Read: func() ([]byte, gatt.Status) {
			return append([]byte(nil), g.name...), gatt.StatusSuccess
		},
		Write: func(v []byte) gatt.Status {
			if len(v) == 0 || len(v) > MaxNameLen {
				return gatt.StatusApplication
			}
			if err := g.SetName(v); err != nil {
				g.fault(err)
				return gatt.StatusApplication
			}
			slog.Info("[GAP] device name changed", "name", string(v))
			return gatt.StatusSuccess
		},
	}}
}

func (g *GAP) persist() error {
	w := make([]uint16, GAPWords)
	w[0] = uint16(len(g.name))
	for i, b := range g.name {
		if i%2 == 0 {
			w[1+i/2] |= uint16(b)
		} else {
			w[1+i/2] |= uint16(b) << 8
		}
	}
	if err := g.store.Write(g.offset, w...); err != nil {
		return fmt.Errorf("services: write name: %w", err)
	}
	return nil
}
