package nvm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreBracketsEveryAccess(t *testing.T) {
	dev := NewMemDevice(8)
	s := NewStore(dev)

	if err := s.Write(2, 0x1234, 0x5678); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if dev.Enabled() {
		t.Error("device left enabled after Write")
	}
	got, err := s.ReadWord(3)
	if err != nil {
		t.Fatalf("ReadWord() error = %v", err)
	}
	if got != 0x5678 {
		t.Errorf("ReadWord(3) = %#x, want 0x5678", got)
	}
	if dev.Enabled() {
		t.Error("device left enabled after Read")
	}
	if dev.Enables != 2 {
		t.Errorf("Enables = %d, want 2", dev.Enables)
	}
}

func TestStoreOutOfRange(t *testing.T) {
	s := NewStore(NewMemDevice(4))
	err := s.Write(3, 1, 2)
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Write past end error = %v, want ErrOutOfRange", err)
	}
	if _, err := s.ReadWord(-1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadWord(-1) error = %v, want ErrOutOfRange", err)
	}
}

func TestMemDeviceStartsErased(t *testing.T) {
	s := NewStore(NewMemDevice(4))
	v, err := s.ReadWord(0)
	if err != nil {
		t.Fatalf("ReadWord() error = %v", err)
	}
	if v != Erased {
		t.Errorf("fresh word = %#x, want %#x", v, Erased)
	}
}

func TestBoolRoundTrip(t *testing.T) {
	s := NewStore(NewMemDevice(2))
	for _, want := range []bool{true, false} {
		if err := s.WriteBool(1, want); err != nil {
			t.Fatalf("WriteBool(%v) error = %v", want, err)
		}
		got, err := s.ReadBool(1)
		if err != nil {
			t.Fatalf("ReadBool() error = %v", err)
		}
		if got != want {
			t.Errorf("ReadBool() = %v, want %v", got, want)
		}
	}
}

func TestLayoutClaimsContiguousRanges(t *testing.T) {
	l := NewLayout(5, 16)
	a, err := l.Claim(3)
	if err != nil || a != 5 {
		t.Fatalf("Claim(3) = %d, %v; want 5, nil", a, err)
	}
	b, err := l.Claim(2)
	if err != nil || b != 8 {
		t.Fatalf("Claim(2) = %d, %v; want 8, nil", b, err)
	}
	if l.Cursor() != 10 {
		t.Errorf("Cursor() = %d, want 10", l.Cursor())
	}
	if _, err := l.Claim(7); !errors.Is(err, ErrLayoutFull) {
		t.Errorf("Claim(7) error = %v, want ErrLayoutFull", err)
	}
}

func TestFileDevicePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.bin")

	s1 := NewStore(NewFileDevice(path, 8))
	if err := s1.Write(0, 0xAB04, 1, 0xBEEF); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	s2 := NewStore(NewFileDevice(path, 8))
	buf := make([]uint16, 3)
	if err := s2.Read(0, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []uint16{0xAB04, 1, 0xBEEF}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("word %d = %#x, want %#x", i, buf[i], want[i])
		}
	}
}

func TestFileDeviceMissingFileReadsErased(t *testing.T) {
	s := NewStore(NewFileDevice(filepath.Join(t.TempDir(), "none.bin"), 4))
	v, err := s.ReadWord(0)
	if err != nil {
		t.Fatalf("ReadWord() error = %v", err)
	}
	if v != Erased {
		t.Errorf("missing file word = %#x, want erased", v)
	}
}

func TestFileDeviceCorruptDigestReadsErased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.bin")
	s := NewStore(NewFileDevice(path, 4))
	if err := s.WriteWord(0, 0xAB04); err != nil {
		t.Fatalf("WriteWord() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	data[1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewriting store file: %v", err)
	}

	v, err := s.ReadWord(0)
	if err != nil {
		t.Fatalf("ReadWord() error = %v", err)
	}
	if v != Erased {
		t.Errorf("corrupt file word = %#x, want erased", v)
	}
}

func TestFileDeviceReadDoesNotCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.bin")
	s := NewStore(NewFileDevice(path, 4))
	if _, err := s.ReadWord(0); err != nil {
		t.Fatalf("ReadWord() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("read-only access created the store file (stat err = %v)", err)
	}
}
