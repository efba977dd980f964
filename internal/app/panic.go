package app

import "fmt"

// PanicCode identifies an unrecoverable condition.
type PanicCode int

const (
	PanicDBRegistration PanicCode = iota + 1
	PanicInvalidState
	PanicAddWhitelist
	PanicDeleteWhitelist
	PanicConnParamUpdate
	PanicStore
)

func (c PanicCode) String() string {
	switch c {
	case PanicDBRegistration:
		return "attribute table registration failed"
	case PanicInvalidState:
		return "invalid state for event"
	case PanicAddWhitelist:
		return "whitelist add failed"
	case PanicDeleteWhitelist:
		return "whitelist delete failed"
	case PanicConnParamUpdate:
		return "connection parameter update request failed"
	case PanicStore:
		return "store access failed"
	default:
		return fmt.Sprintf("panic(%d)", int(c))
	}
}

// FatalFunc reports an unrecoverable condition. It is expected to stop the
// process; the machine ignores every event after calling it.
type FatalFunc func(code PanicCode, err error)
