package bonding

import (
	"errors"
	"testing"

	"github.com/chaz8081/brewbeat/internal/nvm"
)

type fakeWhitelist struct {
	entries map[Address]bool
	failAdd bool
	failDel bool
}

func newFakeWhitelist() *fakeWhitelist {
	return &fakeWhitelist{entries: make(map[Address]bool)}
}

func (w *fakeWhitelist) AddWhitelist(a Address) error {
	if w.failAdd {
		return errors.New("controller busy")
	}
	w.entries[a] = true
	return nil
}

func (w *fakeWhitelist) DeleteWhitelist(a Address) error {
	if w.failDel {
		return errors.New("controller busy")
	}
	delete(w.entries, a)
	return nil
}

var (
	publicPeer = MustParseAddress("00:1A:7D:DA:71:13", AddrPublic)
	otherPeer  = MustParseAddress("00:1A:7D:DA:71:14", AddrPublic)
	testIRK    = IRK{0xec, 0x02, 0x34, 0xa3, 0x57, 0xc8, 0xad, 0x05, 0x34, 0x10, 0x10, 0xa6, 0x0a, 0x39, 0x7d, 0x9b}
)

func newTestStore(t *testing.T) (*Store, *nvm.MemDevice) {
	t.Helper()
	dev := nvm.NewMemDevice(32)
	s := NewStore(nvm.NewStore(dev))
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s, dev
}

func TestLoadFreshStore(t *testing.T) {
	dev := nvm.NewMemDevice(32)
	s := NewStore(nvm.NewStore(dev))
	fresh, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !fresh {
		t.Error("Load() on erased store should report fresh")
	}
	if s.Flag() {
		t.Error("fresh store should not be bonded")
	}
	if s.Diversifier() != 0 {
		t.Errorf("fresh diversifier = %d, want 0", s.Diversifier())
	}
	if dev.Word(OffsetSanity) != SanityMagic {
		t.Errorf("sanity word = %#x, want %#x", dev.Word(OffsetSanity), SanityMagic)
	}
	if dev.Word(OffsetBonded) != 0 || dev.Word(OffsetDiv) != 0 {
		t.Error("fresh store should persist bonded=0 and div=0")
	}
	for off := OffsetAddress; off < Words; off++ {
		if dev.Word(off) != 0 {
			t.Errorf("word %d = %#x after fresh load, want 0", off, dev.Word(off))
		}
	}
}

func TestLoadCorruptSanityResets(t *testing.T) {
	s, dev := newTestStore(t)
	wl := newFakeWhitelist()
	if err := s.RecordSuccess(publicPeer, wl); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	dev.Corrupt(OffsetSanity, 0x1234)

	again := NewStore(nvm.NewStore(dev))
	fresh, err := again.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !fresh || again.Flag() {
		t.Errorf("corrupt sanity: fresh=%v bonded=%v, want fresh and unbonded", fresh, again.Flag())
	}
}

func TestBondingSurvivesRestart(t *testing.T) {
	s, dev := newTestStore(t)
	wl := newFakeWhitelist()
	if err := s.RecordSuccess(publicPeer, wl); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := s.RecordKeys(publicPeer, 0x5A5A, IRK{}); err != nil {
		t.Fatalf("RecordKeys() error = %v", err)
	}

	restarted := NewStore(nvm.NewStore(dev))
	fresh, err := restarted.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if fresh {
		t.Fatal("restart with intact sanity should not be fresh")
	}
	got := restarted.Record()
	if !got.Bonded || got.Address != publicPeer || got.Diversifier != 0x5A5A {
		t.Errorf("reloaded record = %+v, want bonded to %v with div 0x5A5A", got, publicPeer)
	}
}

func TestRecordSuccessWhitelistsFixedAddress(t *testing.T) {
	s, _ := newTestStore(t)
	wl := newFakeWhitelist()
	if err := s.RecordSuccess(publicPeer, wl); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if !wl.entries[publicPeer] {
		t.Error("public bonded peer should be whitelisted")
	}
	if !s.NeedsWhitelist() {
		t.Error("NeedsWhitelist() = false for public bonded peer")
	}
}

func TestRecordSuccessSkipsWhitelistForResolvable(t *testing.T) {
	s, _ := newTestStore(t)
	wl := newFakeWhitelist()
	rpa := NewResolvableAddress(testIRK, [3]byte{0x11, 0x22, 0x33})
	if err := s.RecordSuccess(rpa, wl); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if len(wl.entries) != 0 {
		t.Error("resolvable peer should not be whitelisted")
	}
	if s.NeedsWhitelist() {
		t.Error("NeedsWhitelist() = true for resolvable peer")
	}
}

func TestRecordSuccessWhitelistFailure(t *testing.T) {
	s, _ := newTestStore(t)
	wl := newFakeWhitelist()
	wl.failAdd = true
	err := s.RecordSuccess(publicPeer, wl)
	if !errors.Is(err, ErrWhitelistAdd) {
		t.Errorf("RecordSuccess() error = %v, want ErrWhitelistAdd", err)
	}
}

func TestApproveDiversifier(t *testing.T) {
	s, _ := newTestStore(t)
	wl := newFakeWhitelist()

	if s.ApproveDiversifier(nil, 0) {
		t.Error("unbonded device approved diversifier")
	}

	if err := s.RecordSuccess(publicPeer, wl); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := s.RecordKeys(publicPeer, 0x0102, IRK{}); err != nil {
		t.Fatalf("RecordKeys() error = %v", err)
	}

	conn := publicPeer
	if !s.ApproveDiversifier(&conn, 0x0102) {
		t.Error("matching diversifier rejected")
	}
	if s.ApproveDiversifier(&conn, 0x0103) {
		t.Error("wrong diversifier approved")
	}
	other := otherPeer
	if s.ApproveDiversifier(&other, 0x0102) {
		t.Error("diversifier approved for a different connected peer")
	}

	if err := s.RecordFailure(&conn, wl); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if s.ApproveDiversifier(&conn, 0x0102) {
		t.Error("diversifier approved after pairing failure")
	}
	if wl.entries[publicPeer] {
		t.Error("stale address left in whitelist after pairing failure")
	}
}

func TestRecordFailureLeavesOtherPeersBond(t *testing.T) {
	s, dev := newTestStore(t)
	wl := newFakeWhitelist()
	if err := s.RecordSuccess(publicPeer, wl); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	other := otherPeer
	if err := s.RecordFailure(&other, wl); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if !s.Flag() || dev.Word(OffsetBonded) != 1 {
		t.Error("failed pairing with a transient peer removed the existing bond")
	}
}

func TestIsBondedChecksConnectedPeer(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.RecordSuccess(publicPeer, newFakeWhitelist()); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	tests := []struct {
		name string
		conn *Address
		want bool
	}{
		{"not connected", nil, true},
		{"bonded peer connected", &publicPeer, true},
		{"other peer connected", &otherPeer, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsBonded(tt.conn); got != tt.want {
				t.Errorf("IsBonded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordKeysStoresIRKOnlyForResolvable(t *testing.T) {
	s, dev := newTestStore(t)
	if err := s.RecordKeys(publicPeer, 7, testIRK); err != nil {
		t.Fatalf("RecordKeys() error = %v", err)
	}
	if dev.Word(OffsetIRK) != 0 {
		t.Error("IRK persisted for a public peer")
	}

	rpa := NewResolvableAddress(testIRK, [3]byte{1, 2, 3})
	if err := s.RecordKeys(rpa, 8, testIRK); err != nil {
		t.Fatalf("RecordKeys() error = %v", err)
	}
	if dev.Word(OffsetIRK) != uint16(testIRK[0])<<8|uint16(testIRK[1]) {
		t.Error("IRK not persisted for a resolvable peer")
	}
	if dev.Word(OffsetDiv) != 8 {
		t.Errorf("diversifier word = %d, want 8", dev.Word(OffsetDiv))
	}
}

func TestIdentityMismatch(t *testing.T) {
	s, dev := newTestStore(t)
	bondedRPA := NewResolvableAddress(testIRK, [3]byte{0x40, 0x01, 0x02})
	if err := s.RecordSuccess(bondedRPA, newFakeWhitelist()); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := s.RecordKeys(bondedRPA, 1, testIRK); err != nil {
		t.Fatalf("RecordKeys() error = %v", err)
	}

	rotated := NewResolvableAddress(testIRK, [3]byte{0x55, 0x66, 0x77})
	if s.IdentityMismatch(rotated) {
		t.Error("rotated address of the bonded peer reported as mismatch")
	}
	if !s.IdentityMismatch(publicPeer) {
		t.Error("unrelated public address not reported as mismatch")
	}

	restarted := NewStore(nvm.NewStore(dev))
	if _, err := restarted.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if restarted.IdentityMismatch(rotated) {
		t.Error("IRK not restored on restart")
	}
}

func TestForgetPersists(t *testing.T) {
	s, dev := newTestStore(t)
	if err := s.RecordSuccess(publicPeer, newFakeWhitelist()); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := s.Forget(); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if s.Flag() || dev.Word(OffsetBonded) != 0 {
		t.Error("Forget() did not clear the bonded flag durably")
	}
}
