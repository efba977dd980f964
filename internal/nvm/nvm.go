// Package nvm provides the word-addressed persistent store the peripheral
// keeps its bonding and service state in. Every access is bracketed by
// Enable/Disable on the underlying device so the backing resource is only
// held for the duration of a single read or write.
package nvm

import (
	"errors"
	"fmt"
)

// Erased is the value of a word that has never been written.
const Erased uint16 = 0xFFFF

var (
	// ErrOutOfRange is returned for accesses beyond the device size.
	ErrOutOfRange = errors.New("nvm: access out of range")
	// ErrDisabled is returned when a device is accessed outside Enable/Disable.
	ErrDisabled = errors.New("nvm: device not enabled")
	// ErrLayoutFull is returned when a claim does not fit in the store.
	ErrLayoutFull = errors.New("nvm: layout exhausted")
)

// Device is a raw word-addressed persistent memory.
type Device interface {
	// Enable prepares the device for access.
	Enable() error
	// Disable releases the device after access, flushing pending writes.
	Disable() error
	ReadWords(offset int, buf []uint16) error
	WriteWords(offset int, data []uint16) error
	// Size returns the capacity in words.
	Size() int
}

// Store wraps a Device so each call enables and disables it.
type Store struct {
	dev Device
}

// NewStore creates a Store over dev.
func NewStore(dev Device) *Store {
	return &Store{dev: dev}
}

// Size returns the capacity of the underlying device in words.
func (s *Store) Size() int {
	return s.dev.Size()
}

// Read fills buf from offset.
func (s *Store) Read(offset int, buf []uint16) error {
	return s.access(func() error {
		return s.dev.ReadWords(offset, buf)
	})
}

// Write stores data at offset.
func (s *Store) Write(offset int, data ...uint16) error {
	return s.access(func() error {
		return s.dev.WriteWords(offset, data)
	})
}

// ReadWord reads a single word.
func (s *Store) ReadWord(offset int) (uint16, error) {
	var buf [1]uint16
	if err := s.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteWord writes a single word.
func (s *Store) WriteWord(offset int, v uint16) error {
	return s.Write(offset, v)
}

// ReadBool reads a word as a boolean flag.
func (s *Store) ReadBool(offset int) (bool, error) {
	v, err := s.ReadWord(offset)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// WriteBool writes a boolean flag as 0 or 1.
func (s *Store) WriteBool(offset int, b bool) error {
	var v uint16
	if b {
		v = 1
	}
	return s.WriteWord(offset, v)
}

func (s *Store) access(fn func() error) (err error) {
	if err := s.dev.Enable(); err != nil {
		return fmt.Errorf("nvm: enable: %w", err)
	}
	defer func() {
		if derr := s.dev.Disable(); derr != nil && err == nil {
			err = fmt.Errorf("nvm: disable: %w", derr)
		}
	}()
	return fn()
}

func checkRange(offset, n, size int) error {
	if offset < 0 || n < 0 || offset+n > size {
		return fmt.Errorf("%w: offset %d len %d size %d", ErrOutOfRange, offset, n, size)
	}
	return nil
}
