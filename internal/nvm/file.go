package nvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// ErrCorrupt reports a store file whose digest does not match its contents.
var ErrCorrupt = errors.New("nvm: store file corrupt")

// FileDevice persists words to a file. The file holds the words in
// little-endian order followed by a BLAKE2b-256 digest of those bytes. A
// missing, short or corrupt file reads as erased memory, which the sanity
// word check upstream treats as a first boot.
type FileDevice struct {
	path string
	size int

	words []uint16 // nil unless enabled
	dirty bool
}

// NewFileDevice creates a device of size words backed by path. The file is
// not touched until the first access.
func NewFileDevice(path string, size int) *FileDevice {
	return &FileDevice{path: path, size: size}
}

// Enable loads the file into memory.
func (f *FileDevice) Enable() error {
	words, err := f.load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("[NVM] store unreadable, treating as erased", "path", f.path, "error", err)
		}
		words = make([]uint16, f.size)
		for i := range words {
			words[i] = Erased
		}
	}
	f.words = words
	f.dirty = false
	return nil
}

// Disable writes back any modified words and releases the buffer.
func (f *FileDevice) Disable() error {
	if f.words == nil {
		return nil
	}
	defer func() {
		f.words = nil
		f.dirty = false
	}()
	if !f.dirty {
		return nil
	}
	return f.flush()
}

func (f *FileDevice) ReadWords(offset int, buf []uint16) error {
	if f.words == nil {
		return ErrDisabled
	}
	if err := checkRange(offset, len(buf), f.size); err != nil {
		return err
	}
	copy(buf, f.words[offset:])
	return nil
}

func (f *FileDevice) WriteWords(offset int, data []uint16) error {
	if f.words == nil {
		return ErrDisabled
	}
	if err := checkRange(offset, len(data), f.size); err != nil {
		return err
	}
	copy(f.words[offset:], data)
	f.dirty = true
	return nil
}

func (f *FileDevice) Size() int {
	return f.size
}

func (f *FileDevice) load() ([]uint16, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	body := 2 * f.size
	if len(data) != body+blake2b.Size256 {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrCorrupt, len(data), body+blake2b.Size256)
	}
	sum := blake2b.Sum256(data[:body])
	if !bytes.Equal(sum[:], data[body:]) {
		return nil, ErrCorrupt
	}
	words := make([]uint16, f.size)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return words, nil
}

// flush writes to a temp file first, then renames (atomic).
func (f *FileDevice) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("nvm: creating store dir: %w", err)
	}
	buf := make([]byte, 2*f.size, 2*f.size+blake2b.Size256)
	for i, w := range f.words {
		binary.LittleEndian.PutUint16(buf[2*i:], w)
	}
	sum := blake2b.Sum256(buf)
	buf = append(buf, sum[:]...)

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("nvm: writing store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("nvm: replacing store: %w", err)
	}
	return nil
}

var _ Device = (*FileDevice)(nil)
