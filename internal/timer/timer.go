// Package timer provides the single-threaded execution model the peripheral
// runs on: one goroutine drains a queue of posted functions, and timers are
// identified by handles that can be deleted before they fire.
package timer

import "time"

// ID identifies an outstanding timer. The zero value never names a timer.
type ID uint32

// Invalid is the handle recorded when no timer is outstanding.
const Invalid ID = 0

// Func is a timer callback. It receives its own handle so the callee can
// compare it with the handle it recorded when arming the timer.
type Func func(id ID)

// Scheduler creates and deletes cooperative timers.
type Scheduler interface {
	// Create arms a one-shot timer and returns its handle.
	Create(d time.Duration, fn Func) ID
	// Delete cancels a timer. Deleting Invalid or an expired handle is a no-op.
	Delete(id ID)
}
