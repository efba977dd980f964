package ble

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/brewbeat/internal/app"
	"github.com/chaz8081/brewbeat/internal/bonding"
	"github.com/chaz8081/brewbeat/internal/connparam"
	"github.com/chaz8081/brewbeat/internal/gatt"
)

const (
	phoneAddr    = "C0:FF:EE:00:00:01"
	intruderAddr = "C0:FF:EE:00:00:42"
)

var phone = bonding.MustParseAddress(phoneAddr, bonding.AddrPublic)

type testPeripheral struct {
	*Peripheral
	stack *mockStack
	ev    *fakeEvents
	q     *queue
}

func newTestPeripheral(t *testing.T) testPeripheral {
	t.Helper()
	tp := testPeripheral{stack: newMockStack(), ev: &fakeEvents{}, q: &queue{}}
	tp.Peripheral = NewPeripheral(tp.stack, tp.q.post, DefaultOptions())
	tp.Register(tp.ev)
	tp.q.drain()
	if len(tp.ev.registered) != 1 || tp.ev.registered[0] != nil {
		t.Fatalf("registered = %v", tp.ev.registered)
	}
	return tp
}

// advertise starts fast advertising without a whitelist.
func (tp testPeripheral) advertise(t *testing.T) {
	t.Helper()
	if err := tp.StartAdvertising(app.AdvertFast, false); err != nil {
		t.Fatal(err)
	}
}

// connect advertises and connects addr.
func (tp testPeripheral) connect(t *testing.T, addr string) {
	t.Helper()
	tp.advertise(t)
	tp.stack.SimulateConnect(addr, false)
	tp.q.drain()
}

func TestRegisterPublishesServices(t *testing.T) {
	tp := newTestPeripheral(t)
	if !tp.stack.enabled {
		t.Error("stack not enabled")
	}
	handles := make(map[gatt.Handle]CharFlags)
	for _, svc := range tp.stack.services {
		for _, c := range svc.Characteristics {
			handles[c.Handle] = c.Flags
		}
	}
	tests := []struct {
		handle gatt.Handle
		flags  CharFlags
	}{
		{gatt.HandleMeasurement, CharNotify},
		{gatt.HandleMeasurementConfig, CharRead | CharWrite},
		{gatt.HandleControlPoint, CharWrite},
		{gatt.HandleDeviceName, CharRead | CharWrite},
		{gatt.HandleBatteryLevel, CharRead | CharNotify},
		{gatt.HandleBatteryLevelConfig, CharRead | CharWrite},
	}
	for _, tt := range tests {
		flags, ok := handles[tt.handle]
		if !ok {
			t.Errorf("handle %#04x not published", tt.handle)
			continue
		}
		if flags != tt.flags {
			t.Errorf("handle %#04x flags = %b, want %b", tt.handle, flags, tt.flags)
		}
	}
}

func TestRegisterFailureReported(t *testing.T) {
	stack := newMockStack()
	stack.enableErr = errors.New("no adapter")
	ev := &fakeEvents{}
	q := &queue{}
	NewPeripheral(stack, q.post, Options{}).Register(ev)
	q.drain()
	if len(ev.registered) != 1 || ev.registered[0] == nil {
		t.Errorf("registered = %v, want one error", ev.registered)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)
	if len(tp.ev.connects) != 1 {
		t.Fatalf("connects = %v", tp.ev.connects)
	}
	c := tp.ev.connects[0]
	if c.conn != 1 || c.peer != phone {
		t.Errorf("connect = %+v", c)
	}
	if tp.stack.stops != 1 {
		t.Errorf("stack advertising stops = %d after connect, want 1", tp.stack.stops)
	}

	if err := tp.Disconnect(c.conn); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if len(tp.stack.disconnects) != 1 || tp.stack.disconnects[0] != phoneAddr {
		t.Errorf("stack disconnects = %v", tp.stack.disconnects)
	}
	tp.stack.SimulateDisconnect(phoneAddr)
	tp.q.drain()

	tp.connect(t, phoneAddr)
	tp.stack.SimulateDisconnect(phoneAddr)
	tp.q.drain()

	want := []app.DisconnectReason{app.ReasonLocal, app.ReasonRemote}
	if len(tp.ev.disconnects) != 2 || tp.ev.disconnects[0] != want[0] || tp.ev.disconnects[1] != want[1] {
		t.Errorf("disconnect reasons = %v, want %v", tp.ev.disconnects, want)
	}
	if tp.ev.connects[1].conn != 2 {
		t.Errorf("second connection id = %d, want 2", tp.ev.connects[1].conn)
	}
}

func TestSecondCentralRejected(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)

	tp.stack.SimulateConnect(intruderAddr, false)
	tp.q.drain()
	if len(tp.ev.connects) != 1 {
		t.Fatalf("second central delivered: %v", tp.ev.connects)
	}
	if len(tp.stack.disconnects) != 1 || tp.stack.disconnects[0] != intruderAddr {
		t.Errorf("second central not dropped: %v", tp.stack.disconnects)
	}

	tp.stack.SimulateDisconnect(intruderAddr)
	tp.q.drain()
	if len(tp.ev.disconnects) != 0 {
		t.Error("rejected central produced a disconnect event")
	}
	if err := tp.Notify(1, gatt.HandleMeasurement, []byte{0x16, 70}); err != nil {
		t.Errorf("first link lost after rejecting the second: %v", err)
	}
}

func TestConnectRejectedWhileNotAdvertising(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.stack.SimulateConnect(phoneAddr, false)
	tp.q.drain()
	if len(tp.ev.connects) != 0 || len(tp.stack.disconnects) != 1 {
		t.Errorf("connect before advertising: connects %v, drops %v", tp.ev.connects, tp.stack.disconnects)
	}

	tp.advertise(t)
	if err := tp.StopAdvertising(); err != nil {
		t.Fatal(err)
	}
	tp.stack.SimulateConnect(phoneAddr, false)
	tp.q.drain()
	if len(tp.ev.connects) != 0 {
		t.Errorf("connect after stop delivered: %v", tp.ev.connects)
	}
}

func TestRandomAddressType(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.advertise(t)
	tp.stack.SimulateConnect("4A:11:22:33:44:55", true)
	tp.q.drain()
	if tp.ev.connects[0].peer.Type != bonding.AddrRandom {
		t.Errorf("peer type = %v, want random", tp.ev.connects[0].peer.Type)
	}
}

func TestWhitelistEnforcedAtConnect(t *testing.T) {
	tp := newTestPeripheral(t)
	if err := tp.AddWhitelist(phone); err != nil {
		t.Fatal(err)
	}
	if err := tp.StartAdvertising(app.AdvertFast, true); err != nil {
		t.Fatal(err)
	}

	tp.stack.SimulateConnect("C0:FF:EE:00:00:99", false)
	tp.q.drain()
	if len(tp.ev.connects) != 0 {
		t.Fatalf("stranger connected: %v", tp.ev.connects)
	}
	if len(tp.stack.disconnects) != 1 {
		t.Errorf("stranger not dropped: %v", tp.stack.disconnects)
	}
	tp.stack.SimulateDisconnect("C0:FF:EE:00:00:99")
	tp.q.drain()
	if len(tp.ev.disconnects) != 0 {
		t.Errorf("rejected peer produced disconnect event")
	}

	tp.stack.SimulateConnect(phoneAddr, false)
	tp.q.drain()
	if len(tp.ev.connects) != 1 {
		t.Errorf("whitelisted peer rejected")
	}
}

func TestWhitelistOperations(t *testing.T) {
	opts := DefaultOptions()
	opts.WhitelistSize = 2
	p := NewPeripheral(newMockStack(), (&queue{}).post, opts)

	a := bonding.MustParseAddress("00:00:00:00:00:01", bonding.AddrPublic)
	b := bonding.MustParseAddress("00:00:00:00:00:02", bonding.AddrPublic)
	c := bonding.MustParseAddress("00:00:00:00:00:03", bonding.AddrPublic)

	if err := p.AddWhitelist(a); err != nil {
		t.Fatal(err)
	}
	if err := p.AddWhitelist(a); err != nil {
		t.Errorf("re-adding = %v", err)
	}
	if err := p.AddWhitelist(b); err != nil {
		t.Fatal(err)
	}
	if err := p.AddWhitelist(c); !errors.Is(err, ErrWhitelistFull) {
		t.Errorf("AddWhitelist() on full list = %v, want ErrWhitelistFull", err)
	}
	if err := p.DeleteWhitelist(c); err == nil {
		t.Error("deleting an absent address succeeded")
	}
	if err := p.DeleteWhitelist(a); err != nil {
		t.Errorf("DeleteWhitelist() = %v", err)
	}
	if err := p.ResetWhitelist(); err != nil {
		t.Fatal(err)
	}
	if p.whitelist.Cardinality() != 0 {
		t.Errorf("whitelist size = %d after reset", p.whitelist.Cardinality())
	}
}

func TestWritesBecomeAccessEvents(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.stack.SimulateWrite(gatt.HandleControlPoint, []byte{0x07})
	tp.q.drain()
	if len(tp.ev.accesses) != 0 {
		t.Fatal("write without connection delivered")
	}

	tp.connect(t, phoneAddr)
	tp.stack.SimulateWrite(gatt.HandleControlPoint, []byte{0x07})
	tp.q.drain()
	if len(tp.ev.accesses) != 1 {
		t.Fatalf("accesses = %v", tp.ev.accesses)
	}
	req := tp.ev.accesses[0]
	wantFlags := gatt.AccessWrite | gatt.AccessPermission | gatt.AccessWriteComplete
	if req.Conn != 1 || req.Handle != gatt.HandleControlPoint || req.Flags != wantFlags || req.Value[0] != 0x07 {
		t.Errorf("access = %+v", req)
	}
}

func TestWritesDroppedOnceLinkCloses(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)

	// Queued before the link drops, delivered after.
	tp.stack.SimulateWrite(gatt.HandleControlPoint, []byte{0x07})
	tp.stack.SimulateDisconnect(phoneAddr)
	tp.q.drain()
	if len(tp.ev.accesses) != 0 {
		t.Errorf("write for a dropped link delivered: %v", tp.ev.accesses)
	}

	tp.connect(t, phoneAddr)
	if err := tp.Disconnect(2); err != nil {
		t.Fatal(err)
	}
	tp.stack.SimulateWrite(gatt.HandleControlPoint, []byte{0x07})
	tp.q.drain()
	if len(tp.ev.accesses) != 0 {
		t.Errorf("write on a closing link delivered: %v", tp.ev.accesses)
	}
}

func TestRejectedWriteRestoresValue(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)

	tp.stack.SimulateWrite(gatt.HandleMeasurementConfig, []byte{0x02, 0x00})
	tp.q.drain()
	tp.AccessResponse(1, gatt.HandleMeasurementConfig, gatt.StatusApplication, gatt.ConfigNone.Bytes())
	if got := tp.stack.values[gatt.HandleMeasurementConfig]; !bytes.Equal(got, []byte{0x00, 0x00}) {
		t.Errorf("stack value after rejection = % x, want 00 00", got)
	}

	tp.stack.SimulateWrite(gatt.HandleMeasurementConfig, []byte{0x01, 0x00})
	tp.q.drain()
	tp.AccessResponse(1, gatt.HandleMeasurementConfig, gatt.StatusSuccess, nil)
	if got := tp.stack.values[gatt.HandleMeasurementConfig]; !bytes.Equal(got, []byte{0x01, 0x00}) {
		t.Errorf("stack value after accepted write = % x, want 01 00", got)
	}
}

func TestAdvertisingModes(t *testing.T) {
	tp := newTestPeripheral(t)
	if err := tp.StartAdvertising(app.AdvertFast, false); err != nil {
		t.Fatal(err)
	}
	if err := tp.StartAdvertising(app.AdvertSlow, false); err != nil {
		t.Fatal(err)
	}
	if tp.stack.adverts[0].Interval != 60*time.Millisecond || tp.stack.adverts[1].Interval != time.Second {
		t.Errorf("intervals = %v, %v", tp.stack.adverts[0].Interval, tp.stack.adverts[1].Interval)
	}
	if tp.stack.adverts[0].LocalName != "Brewbeat" {
		t.Errorf("local name = %q", tp.stack.adverts[0].LocalName)
	}

	if err := tp.StopAdvertising(); err != nil {
		t.Fatal(err)
	}
	tp.q.drain()
	if tp.stack.stops != 1 || tp.ev.stopped != 1 {
		t.Errorf("stops = %d, stopped events = %d", tp.stack.stops, tp.ev.stopped)
	}
}

func TestAdvertisingStopDroppedAfterConnect(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.advertise(t)

	// The central connects while the machine's stop request is in flight.
	tp.stack.SimulateConnect(phoneAddr, false)
	if err := tp.StopAdvertising(); err != nil {
		t.Fatal(err)
	}
	tp.q.drain()
	if len(tp.ev.connects) != 1 {
		t.Fatalf("connects = %v", tp.ev.connects)
	}
	if tp.ev.stopped != 0 {
		t.Error("advertising stop delivered after the connect")
	}
}

func TestNotify(t *testing.T) {
	tp := newTestPeripheral(t)
	if err := tp.Notify(1, gatt.HandleMeasurement, []byte{0x16, 70}); err == nil {
		t.Error("Notify() on unknown connection succeeded")
	}
	tp.connect(t, phoneAddr)
	if err := tp.Notify(1, gatt.HandleMeasurement, []byte{0x16, 70}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got := tp.stack.notes[gatt.HandleMeasurement]; len(got) != 1 || got[0][1] != 70 {
		t.Errorf("notes = %v", got)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	tp := newTestPeripheral(t)
	if err := tp.Publish(gatt.HandleBatteryLevel, []byte{57}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := tp.stack.values[gatt.HandleBatteryLevel]; !bytes.Equal(got, []byte{57}) {
		t.Errorf("battery value = %v, want [57]", got)
	}
}

func TestConnParamRequestConfirmed(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)
	if err := tp.RequestConnParams(connparam.DefaultOptions().Preferred); err != nil {
		t.Fatal(err)
	}
	tp.q.drain()
	if tp.ev.confirms != 1 {
		t.Errorf("confirms = %d", tp.ev.confirms)
	}
}

func TestConnParamConfirmDroppedAfterLinkLoss(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)
	if err := tp.RequestConnParams(connparam.DefaultOptions().Preferred); err != nil {
		t.Fatal(err)
	}
	tp.stack.SimulateDisconnect(phoneAddr)
	tp.q.drain()
	if tp.ev.confirms != 0 {
		t.Errorf("confirm delivered for a lost link")
	}

	if err := tp.RequestConnParams(connparam.DefaultOptions().Preferred); err != nil {
		t.Errorf("request with no link = %v, want nil", err)
	}
	tp.q.drain()
	if tp.ev.confirms != 0 {
		t.Errorf("confirm delivered without a link")
	}
}

func TestSecuredDeliversPairingAndEncryption(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)

	tp.Secured(phoneAddr, true)
	tp.q.drain()
	if len(tp.ev.paired) != 1 || tp.ev.paired[0] != phone || tp.ev.encrypted != 1 {
		t.Errorf("paired = %v encrypted = %d, want one of each", tp.ev.paired, tp.ev.encrypted)
	}

	tp.Secured(phoneAddr, false)
	tp.q.drain()
	if len(tp.ev.paired) != 1 || tp.ev.encrypted != 2 {
		t.Errorf("resumed bond: paired = %v encrypted = %d", tp.ev.paired, tp.ev.encrypted)
	}
}

func TestSecuredBeforeConnectIsHeld(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.Secured(phoneAddr, false)
	tp.q.drain()
	if tp.ev.encrypted != 0 {
		t.Fatal("security delivered without a link")
	}

	tp.connect(t, phoneAddr)
	if len(tp.ev.connects) != 1 || tp.ev.encrypted != 1 {
		t.Errorf("connects = %v encrypted = %d, want connect then encryption", tp.ev.connects, tp.ev.encrypted)
	}
}

func TestSecuredDroppedForClosingLink(t *testing.T) {
	tp := newTestPeripheral(t)
	tp.connect(t, phoneAddr)
	if err := tp.Disconnect(1); err != nil {
		t.Fatal(err)
	}
	tp.Secured(phoneAddr, true)
	tp.q.drain()
	if len(tp.ev.paired) != 0 || tp.ev.encrypted != 0 {
		t.Errorf("security delivered for a closing link")
	}
}
