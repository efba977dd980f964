package ble

import (
	"fmt"
	"sync"

	"github.com/chaz8081/brewbeat/internal/app"
	"github.com/chaz8081/brewbeat/internal/bonding"
	"github.com/chaz8081/brewbeat/internal/gatt"
)

// mockStack records everything the peripheral asks of the host stack.
type mockStack struct {
	mu          sync.Mutex
	enableErr   error
	enabled     bool
	services    []Service
	onConnect   ConnectHandler
	onWrite     WriteHandler
	adverts     []Advertisement
	stops       int
	notes       map[gatt.Handle][][]byte
	values      map[gatt.Handle][]byte // what a central would read
	disconnects []string
}

func newMockStack() *mockStack {
	return &mockStack{
		notes:  make(map[gatt.Handle][][]byte),
		values: make(map[gatt.Handle][]byte),
	}
}

func (s *mockStack) Enable() error {
	if s.enableErr != nil {
		return s.enableErr
	}
	s.enabled = true
	return nil
}

func (s *mockStack) SetConnectHandler(h ConnectHandler) {
	s.onConnect = h
}

func (s *mockStack) AddService(svc Service, onWrite WriteHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, svc)
	s.onWrite = onWrite
	return nil
}

func (s *mockStack) Advertise(adv Advertisement) error {
	s.adverts = append(s.adverts, adv)
	return nil
}

func (s *mockStack) StopAdvertising() error {
	s.stops++
	return nil
}

func (s *mockStack) Notify(h gatt.Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[h] = append(s.notes[h], append([]byte(nil), data...))
	s.values[h] = append([]byte(nil), data...)
	return nil
}

func (s *mockStack) Disconnect(addr string) error {
	s.disconnects = append(s.disconnects, addr)
	return nil
}

// SimulateConnect delivers a stack connection callback.
func (s *mockStack) SimulateConnect(addr string, random bool) {
	s.onConnect(addr, random, true)
}

// SimulateWrite stores value the way the host stack does before handing
// the write to the application.
func (s *mockStack) SimulateWrite(h gatt.Handle, value []byte) {
	s.mu.Lock()
	s.values[h] = append([]byte(nil), value...)
	onWrite := s.onWrite
	s.mu.Unlock()
	onWrite(h, value)
}

// SimulateDisconnect delivers a stack disconnection callback.
func (s *mockStack) SimulateDisconnect(addr string) {
	s.onConnect(addr, false, false)
}

// fakeEvents records machine events.
type fakeEvents struct {
	registered  []error
	connects    []connectEvent
	disconnects []app.DisconnectReason
	stopped     int
	accesses    []gatt.AccessRequest
	confirms    int
	paired      []bonding.Address
	encrypted   int
}

type connectEvent struct {
	conn gatt.ConnID
	peer bonding.Address
}

func (e *fakeEvents) HandleDBRegistered(err error) { e.registered = append(e.registered, err) }

func (e *fakeEvents) HandleConnect(err error, conn gatt.ConnID, peer bonding.Address) {
	if err != nil {
		panic(fmt.Sprintf("unexpected connect error %v", err))
	}
	e.connects = append(e.connects, connectEvent{conn, peer})
}

func (e *fakeEvents) HandleDisconnect(reason app.DisconnectReason) {
	e.disconnects = append(e.disconnects, reason)
}

func (e *fakeEvents) HandleAdvertisingStopped() { e.stopped++ }

func (e *fakeEvents) HandleAccess(req gatt.AccessRequest) { e.accesses = append(e.accesses, req) }

func (e *fakeEvents) HandleConnParamConfirm(err error) { e.confirms++ }

func (e *fakeEvents) HandlePairingComplete(err error, peer bonding.Address) {
	e.paired = append(e.paired, peer)
}

func (e *fakeEvents) HandleEncryptionChange(err error, enabled bool) {
	if enabled {
		e.encrypted++
	}
}

// queue stands in for the event loop: posted functions wait until drain.
type queue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *queue) post(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
}

// drain runs queued functions, including ones they post, until none remain.
func (q *queue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns = q.fns[1:]
		q.mu.Unlock()
		fn()
	}
}
