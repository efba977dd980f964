package app

import (
	"github.com/chaz8081/brewbeat/internal/bonding"
	"github.com/chaz8081/brewbeat/internal/connparam"
	"github.com/chaz8081/brewbeat/internal/gatt"
)

// AdvertMode selects the advertising interval.
type AdvertMode int

const (
	AdvertFast AdvertMode = iota
	AdvertSlow
)

func (m AdvertMode) String() string {
	if m == AdvertFast {
		return "fast"
	}
	return "slow"
}

// Controller is the radio stack as seen by the state machine. Completion of
// asynchronous requests comes back as events on the Machine.
type Controller interface {
	bonding.Whitelist
	gatt.Responder
	connparam.Requester

	// StartAdvertising begins connectable advertising. With whitelist set
	// only whitelisted peers may connect.
	StartAdvertising(mode AdvertMode, whitelist bool) error
	// StopAdvertising cancels advertising; the stack confirms with
	// HandleAdvertisingStopped.
	StopAdvertising() error
	// ResetWhitelist removes every whitelisted address.
	ResetWhitelist() error
	// Disconnect tears down conn; the stack confirms with HandleDisconnect.
	Disconnect(conn gatt.ConnID) error
	// DiversifierVerdict answers a diversifier approval request.
	DiversifierVerdict(conn gatt.ConnID, approve bool)
	// Notify sends a notification on the current link.
	Notify(conn gatt.ConnID, h gatt.Handle, data []byte) error
	// Publish sets the value the stack serves for reads of h.
	Publish(h gatt.Handle, value []byte) error
}

// Signal is a user-facing acknowledgement.
type Signal int

const (
	SignalShort Signal = iota
	SignalLong
	SignalTwice
	SignalThrice
)

func (s Signal) String() string {
	switch s {
	case SignalShort:
		return "short"
	case SignalLong:
		return "long"
	case SignalTwice:
		return "twice"
	case SignalThrice:
		return "thrice"
	default:
		return "unknown"
	}
}

// Indicator plays acknowledgements.
type Indicator interface {
	Signal(s Signal)
}

// DisconnectReason classifies why a link went down.
type DisconnectReason int

const (
	// ReasonTimeout is a supervision timeout (link loss).
	ReasonTimeout DisconnectReason = iota
	// ReasonLocal is a disconnect this device requested, or one raised by
	// the local stack.
	ReasonLocal
	// ReasonRemote is a disconnect by the peer.
	ReasonRemote
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "supervision timeout"
	case ReasonLocal:
		return "local host"
	case ReasonRemote:
		return "remote user"
	default:
		return "unknown"
	}
}
