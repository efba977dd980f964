package gatt

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// ErrUnknownHandle is returned when registering or resolving a handle the
// table does not hold.
var ErrUnknownHandle = errors.New("gatt: unknown handle")

// ReadFunc returns the current value of an attribute.
type ReadFunc func() ([]byte, Status)

// WriteFunc validates and applies a peer write.
type WriteFunc func(value []byte) Status

// Attribute binds a handle to the operations it supports. A nil Read or
// Write means the operation is not permitted.
type Attribute struct {
	Handle Handle
	Name   string
	Read   ReadFunc
	Write  WriteFunc
}

// Table maps handles to attributes.
type Table struct {
	attrs map[Handle]Attribute
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{attrs: make(map[Handle]Attribute)}
}

// Register adds attributes. A handle can only be registered once.
func (t *Table) Register(attrs ...Attribute) error {
	for _, a := range attrs {
		if _, dup := t.attrs[a.Handle]; dup {
			return fmt.Errorf("gatt: handle %#04x registered twice", uint16(a.Handle))
		}
		t.attrs[a.Handle] = a
	}
	return nil
}

// Lookup returns the attribute for h.
func (t *Table) Lookup(h Handle) (Attribute, error) {
	a, ok := t.attrs[h]
	if !ok {
		return Attribute{}, fmt.Errorf("%w: %#04x", ErrUnknownHandle, uint16(h))
	}
	return a, nil
}

// Handles returns the registered handles in ascending order.
func (t *Table) Handles() []Handle {
	hs := make([]Handle, 0, len(t.attrs))
	for h := range t.attrs {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	return hs
}

// AccessFlags describe the kind of access a peer requested.
type AccessFlags uint16

const (
	AccessRead          AccessFlags = 0x0001
	AccessWrite         AccessFlags = 0x0002
	AccessPermission    AccessFlags = 0x8000
	AccessWriteComplete AccessFlags = 0x4000
)

// AccessRequest is an attribute access the stack defers to the application.
type AccessRequest struct {
	Conn   ConnID
	Handle Handle
	Flags  AccessFlags
	Value  []byte
}

// Responder sends the access response back through the stack. A rejected
// write carries the attribute's current value, if it has one, so the stack
// can put back what the peer overwrote.
type Responder interface {
	AccessResponse(conn ConnID, h Handle, status Status, value []byte)
}

// Dispatcher answers reads and writes on application attributes.
type Dispatcher struct {
	table *Table
	rsp   Responder
}

// NewDispatcher creates a dispatcher over table, answering through rsp.
func NewDispatcher(table *Table, rsp Responder) *Dispatcher {
	return &Dispatcher{table: table, rsp: rsp}
}

// HandleRead returns the value of h, or ReadNotPermitted if h is unknown or
// not readable.
func (d *Dispatcher) HandleRead(h Handle) ([]byte, Status) {
	a, err := d.table.Lookup(h)
	if err != nil || a.Read == nil {
		return nil, StatusReadNotPermitted
	}
	return a.Read()
}

// HandleWrite applies value to h, or returns WriteNotPermitted if h is
// unknown or not writable.
func (d *Dispatcher) HandleWrite(h Handle, value []byte) Status {
	a, err := d.table.Lookup(h)
	if err != nil || a.Write == nil {
		return StatusWriteNotPermitted
	}
	return a.Write(value)
}

// Access routes req by its flags and always sends exactly one response.
func (d *Dispatcher) Access(req AccessRequest) {
	switch req.Flags {
	case AccessWrite | AccessPermission | AccessWriteComplete:
		status := d.HandleWrite(req.Handle, req.Value)
		slog.Debug("[GATT] write", "handle", fmt.Sprintf("%#04x", uint16(req.Handle)), "status", status)
		var current []byte
		if status != StatusSuccess {
			if v, st := d.HandleRead(req.Handle); st == StatusSuccess {
				current = v
			}
		}
		d.rsp.AccessResponse(req.Conn, req.Handle, status, current)
	case AccessRead | AccessPermission:
		value, status := d.HandleRead(req.Handle)
		slog.Debug("[GATT] read", "handle", fmt.Sprintf("%#04x", uint16(req.Handle)), "status", status)
		if status != StatusSuccess {
			value = nil
		}
		d.rsp.AccessResponse(req.Conn, req.Handle, status, value)
	default:
		slog.Debug("[GATT] access not supported", "flags", fmt.Sprintf("%#04x", uint16(req.Flags)))
		d.rsp.AccessResponse(req.Conn, req.Handle, StatusRequestNotSupported, nil)
	}
}
