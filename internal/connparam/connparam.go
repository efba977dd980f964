// Package connparam asks the central for the device's preferred connection
// parameters once a link is encrypted, retrying on a cooldown up to a fixed
// number of attempts per connection.
package connparam

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/brewbeat/internal/timer"
)

// Params is a connection parameter envelope.
type Params struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	Latency            uint16
	SupervisionTimeout time.Duration
}

// Contains reports whether an applied interval and latency satisfy p.
func (p Params) Contains(interval time.Duration, latency uint16) bool {
	return interval >= p.MinInterval && interval <= p.MaxInterval && latency >= p.Latency
}

// Update is the parameter set the central applied.
type Update struct {
	Interval           time.Duration
	Latency            uint16
	SupervisionTimeout time.Duration
}

// Requester sends a parameter update request on the current link.
type Requester interface {
	RequestConnParams(p Params) error
}

// Options configures the negotiator.
type Options struct {
	Delay       time.Duration // wait before each request
	MaxAttempts int           // requests per connection
	Preferred   Params
	// Fault is called when a request cannot be issued.
	Fault func(err error)
}

// DefaultOptions returns the preferred envelope for a once-per-second
// reporting peripheral.
func DefaultOptions() Options {
	return Options{
		Delay:       30 * time.Second,
		MaxAttempts: 2,
		Preferred: Params{
			MinInterval:        990 * time.Millisecond,
			MaxInterval:        1000 * time.Millisecond,
			Latency:            0,
			SupervisionTimeout: 6 * time.Second,
		},
	}
}

// Negotiator drives parameter updates for one connection at a time.
type Negotiator struct {
	sched     timer.Scheduler
	req       Requester
	connected func() bool
	opts      Options

	tid      timer.ID
	attempts int
}

// New creates a negotiator. Timers firing while connected reports false are
// dropped.
func New(sched timer.Scheduler, req Requester, connected func() bool, opts Options) *Negotiator {
	def := DefaultOptions()
	if opts.Delay <= 0 {
		opts.Delay = def.Delay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Preferred == (Params{}) {
		opts.Preferred = def.Preferred
	}
	if opts.Fault == nil {
		opts.Fault = func(err error) { slog.Error("[CONN] parameter update request failed", "error", err) }
	}
	return &Negotiator{sched: sched, req: req, connected: connected, opts: opts}
}

// Start begins negotiation after encryption. It does nothing while a
// request is already scheduled.
func (n *Negotiator) Start() {
	if n.tid != timer.Invalid {
		return
	}
	n.attempts = 0
	n.arm()
}

// Confirm handles the central's answer to a request. A rejection is retried
// after the cooldown while attempts remain.
func (n *Negotiator) Confirm(err error) {
	if err == nil {
		return
	}
	if n.attempts >= n.opts.MaxAttempts {
		slog.Info("[CONN] parameter update rejected, giving up", "attempts", n.attempts, "error", err)
		return
	}
	slog.Debug("[CONN] parameter update rejected, retrying", "attempts", n.attempts, "error", err)
	n.sched.Delete(n.tid)
	n.arm()
}

// Updated handles parameters applied by the central. Anything outside the
// preferred envelope is renegotiated while attempts remain.
func (n *Negotiator) Updated(u Update) {
	n.sched.Delete(n.tid)
	n.tid = timer.Invalid

	if n.opts.Preferred.Contains(u.Interval, u.Latency) {
		slog.Info("[CONN] parameters accepted", "interval", u.Interval, "latency", u.Latency)
		return
	}
	if n.attempts >= n.opts.MaxAttempts {
		slog.Info("[CONN] parameters outside envelope, giving up", "interval", u.Interval, "latency", u.Latency)
		return
	}
	n.arm()
}

// Stop cancels negotiation for the current connection.
func (n *Negotiator) Stop() {
	n.sched.Delete(n.tid)
	n.tid = timer.Invalid
	n.attempts = 0
}

// Attempts returns the requests issued on this connection.
func (n *Negotiator) Attempts() int {
	return n.attempts
}

// Pending reports whether a request is scheduled.
func (n *Negotiator) Pending() bool {
	return n.tid != timer.Invalid
}

func (n *Negotiator) arm() {
	n.tid = n.sched.Create(n.opts.Delay, n.fire)
}

func (n *Negotiator) fire(id timer.ID) {
	if id != n.tid {
		return
	}
	n.tid = timer.Invalid
	if !n.connected() {
		return
	}
	n.attempts++
	if err := n.req.RequestConnParams(n.opts.Preferred); err != nil {
		n.opts.Fault(fmt.Errorf("connparam: request: %w", err))
		return
	}
	slog.Info("[CONN] parameter update requested", "attempt", n.attempts)
}
