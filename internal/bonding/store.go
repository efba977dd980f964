// Package bonding keeps the durable record of the peer this device is
// paired with: the bonded flag, the peer's typed address, the diversifier of
// the long-term key in use and, for peers using resolvable private
// addresses, their identity resolving key.
package bonding

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/brewbeat/internal/nvm"
)

// SanityMagic marks a store written by a previous session.
const SanityMagic uint16 = 0xAB04

// Fixed offsets at the start of the store. Service blocks follow Words.
const (
	OffsetSanity  = 0
	OffsetBonded  = OffsetSanity + 1
	OffsetAddress = OffsetBonded + 1
	OffsetDiv     = OffsetAddress + addressWords
	OffsetIRK     = OffsetDiv + 1
	Words         = OffsetIRK + irkWords
)

var (
	// ErrWhitelistAdd wraps a failure to add the bonded peer to the whitelist.
	ErrWhitelistAdd = errors.New("bonding: whitelist add failed")
	// ErrWhitelistDelete wraps a failure to remove the bonded peer.
	ErrWhitelistDelete = errors.New("bonding: whitelist delete failed")
)

// Whitelist is the controller's address filter.
type Whitelist interface {
	AddWhitelist(addr Address) error
	DeleteWhitelist(addr Address) error
}

// Record is the in-memory copy of the persisted bonding state. Address and
// IRK are meaningful only when Bonded is set; Diversifier is always valid.
type Record struct {
	Bonded      bool
	Address     Address
	Diversifier uint16
	IRK         IRK
}

// Store reads and writes the bonding record.
type Store struct {
	nvm *nvm.Store
	rec Record
}

// NewStore creates a bonding store over s. Call Load before use.
func NewStore(s *nvm.Store) *Store {
	return &Store{nvm: s}
}

// Load validates the sanity word. On mismatch every field is reset and
// rewritten and fresh is true; otherwise the record is read back.
func (s *Store) Load() (fresh bool, err error) {
	sanity, err := s.nvm.ReadWord(OffsetSanity)
	if err != nil {
		return false, fmt.Errorf("bonding: read sanity: %w", err)
	}

	if sanity != SanityMagic {
		slog.Info("[BOND] store not initialised, starting fresh", "sanity", fmt.Sprintf("%#04x", sanity))
		s.rec = Record{}
		if err := s.nvm.WriteWord(OffsetSanity, SanityMagic); err != nil {
			return true, fmt.Errorf("bonding: write sanity: %w", err)
		}
		if err := s.nvm.WriteBool(OffsetBonded, false); err != nil {
			return true, fmt.Errorf("bonding: write bonded flag: %w", err)
		}
		if err := s.nvm.Write(OffsetAddress, s.rec.Address.words()...); err != nil {
			return true, fmt.Errorf("bonding: write address: %w", err)
		}
		if err := s.nvm.WriteWord(OffsetDiv, 0); err != nil {
			return true, fmt.Errorf("bonding: write diversifier: %w", err)
		}
		if err := s.nvm.Write(OffsetIRK, s.rec.IRK.words()...); err != nil {
			return true, fmt.Errorf("bonding: write irk: %w", err)
		}
		return true, nil
	}

	rec := Record{}
	if rec.Bonded, err = s.nvm.ReadBool(OffsetBonded); err != nil {
		return false, fmt.Errorf("bonding: read bonded flag: %w", err)
	}
	if rec.Bonded {
		w := make([]uint16, addressWords)
		if err := s.nvm.Read(OffsetAddress, w); err != nil {
			return false, fmt.Errorf("bonding: read address: %w", err)
		}
		rec.Address = addressFromWords(w)
		if rec.Address.IsResolvable() {
			k := make([]uint16, irkWords)
			if err := s.nvm.Read(OffsetIRK, k); err != nil {
				return false, fmt.Errorf("bonding: read irk: %w", err)
			}
			rec.IRK = irkFromWords(k)
		}
	}
	if rec.Diversifier, err = s.nvm.ReadWord(OffsetDiv); err != nil {
		return false, fmt.Errorf("bonding: read diversifier: %w", err)
	}
	s.rec = rec
	slog.Info("[BOND] loaded", "bonded", rec.Bonded, "peer", rec.Address, "div", rec.Diversifier)
	return false, nil
}

// Record returns a copy of the current record.
func (s *Store) Record() Record {
	return s.rec
}

// Flag returns the durable bonded flag, ignoring any connection.
func (s *Store) Flag() bool {
	return s.rec.Bonded
}

// Diversifier returns the last persisted diversifier.
func (s *Store) Diversifier() uint16 {
	return s.rec.Diversifier
}

// IsBonded reports whether the device is bonded. While connected (conn is
// non-nil) it is bonded only if the connected peer is the bonded peer; a
// device bonded to one peer may be transiently connected to another.
func (s *Store) IsBonded(conn *Address) bool {
	if !s.rec.Bonded {
		return false
	}
	if conn == nil {
		return true
	}
	return *conn == s.rec.Address
}

// NeedsWhitelist reports whether the bonded peer uses a fixed address that
// the controller can filter on.
func (s *Store) NeedsWhitelist() bool {
	return s.rec.Bonded && !s.rec.Address.IsResolvable()
}

// IdentityMismatch reports whether the device is bonded to a peer using
// resolvable private addresses and addr does not resolve under its IRK.
func (s *Store) IdentityMismatch(addr Address) bool {
	return s.rec.Bonded && s.rec.Address.IsResolvable() && !Resolve(addr, s.rec.IRK)
}

// RecordSuccess persists a new bond with peer and, unless the peer uses a
// resolvable private address, adds it to the whitelist.
func (s *Store) RecordSuccess(peer Address, wl Whitelist) error {
	s.rec.Bonded = true
	s.rec.Address = peer
	if err := s.nvm.WriteBool(OffsetBonded, true); err != nil {
		return fmt.Errorf("bonding: write bonded flag: %w", err)
	}
	if err := s.nvm.Write(OffsetAddress, peer.words()...); err != nil {
		return fmt.Errorf("bonding: write address: %w", err)
	}
	if !peer.IsResolvable() {
		if err := wl.AddWhitelist(peer); err != nil {
			return fmt.Errorf("%w: %v", ErrWhitelistAdd, err)
		}
	}
	slog.Info("[BOND] bonded", "peer", peer)
	return nil
}

// RecordFailure drops a bond that pairing failed to renew. If the device
// was bonded (as seen from conn) the stale address leaves the whitelist and
// the flag is cleared. The flag is persisted either way.
func (s *Store) RecordFailure(conn *Address, wl Whitelist) error {
	if s.IsBonded(conn) {
		if err := wl.DeleteWhitelist(s.rec.Address); err != nil {
			return fmt.Errorf("%w: %v", ErrWhitelistDelete, err)
		}
		s.rec.Bonded = false
		slog.Info("[BOND] pairing failed, bond removed", "peer", s.rec.Address)
	}
	if err := s.nvm.WriteBool(OffsetBonded, s.rec.Bonded); err != nil {
		return fmt.Errorf("bonding: write bonded flag: %w", err)
	}
	return nil
}

// RecordKeys persists the diversifier and, if the connected peer uses a
// resolvable private address, its IRK.
func (s *Store) RecordKeys(conn Address, div uint16, irk IRK) error {
	s.rec.Diversifier = div
	if err := s.nvm.WriteWord(OffsetDiv, div); err != nil {
		return fmt.Errorf("bonding: write diversifier: %w", err)
	}
	if conn.IsResolvable() {
		s.rec.IRK = irk
		if err := s.nvm.Write(OffsetIRK, irk.words()...); err != nil {
			return fmt.Errorf("bonding: write irk: %w", err)
		}
	}
	return nil
}

// ApproveDiversifier accepts candidate only while bonded (as seen from
// conn) and equal to the persisted diversifier.
func (s *Store) ApproveDiversifier(conn *Address, candidate uint16) bool {
	return s.IsBonded(conn) && candidate == s.rec.Diversifier
}

// Forget clears the bonded flag durably. The whitelist is left to the
// caller, which resets it wholesale.
func (s *Store) Forget() error {
	s.rec.Bonded = false
	if err := s.nvm.WriteBool(OffsetBonded, false); err != nil {
		return fmt.Errorf("bonding: write bonded flag: %w", err)
	}
	slog.Info("[BOND] pairing removed")
	return nil
}
