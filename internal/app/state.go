package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/brewbeat/internal/gatt"
	"github.com/chaz8081/brewbeat/internal/timer"
)

// State is the lifecycle state.
type State int

const (
	StateInit State = iota
	StateFastAdvertising
	StateSlowAdvertising
	StateIdle
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateFastAdvertising:
		return "fast advertising"
	case StateSlowAdvertising:
		return "slow advertising"
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

func (s State) advertising() bool {
	return s == StateFastAdvertising || s == StateSlowAdvertising
}

// setState runs the exit action of the current state and the entry action
// of next. Setting the current state is a no-op.
func (m *Machine) setState(next State) {
	prev := m.session.State
	if prev == next {
		return
	}

	switch prev {
	case StateInit:
		m.exitInit()
	case StateFastAdvertising, StateSlowAdvertising:
		m.exitAdvertising()
	case StateDisconnecting:
		m.resetData()
	case StateConnected, StateIdle:
	}
	if m.halted {
		return
	}

	m.session.State = next
	slog.Info("[APP] state", "from", prev, "to", next)

	switch next {
	case StateFastAdvertising:
		m.triggerFastAdverts()
		m.signal(SignalTwice)
	case StateSlowAdvertising:
		m.startAdverts(AdvertSlow, m.opts.SlowAdvertTimeout)
	case StateIdle:
		m.signal(SignalLong)
	case StateConnected:
		m.enterConnected()
	case StateDisconnecting:
		if err := m.ctrl.Disconnect(m.session.Conn); err != nil {
			slog.Warn("[APP] disconnect request failed", "conn", m.session.Conn, "error", err)
		}
	case StateInit:
	}
}

func (m *Machine) exitInit() {
	if !m.bonds.NeedsWhitelist() {
		return
	}
	if err := m.ctrl.AddWhitelist(m.bonds.Record().Address); err != nil {
		m.raise(PanicAddWhitelist, err)
	}
}

func (m *Machine) exitAdvertising() {
	m.sched.Delete(m.advTid)
	m.advTid = timer.Invalid
}

func (m *Machine) enterConnected() {
	if err := m.battery.UpdateLevel(m.session.Conn); err != nil {
		slog.Warn("[APP] battery update failed", "error", err)
	}
	m.measTid = timer.Invalid
	m.measure(timer.Invalid)
	m.resetIdleTimer()
}

// resetData drops everything tied to the last connection: timers, the
// negotiation, queued samples and per-connection service state.
func (m *Machine) resetData() {
	for _, id := range []*timer.ID{&m.advTid, &m.idleTid, &m.measTid} {
		m.sched.Delete(*id)
		*id = timer.Invalid
	}
	m.negotiator.Stop()
	m.session.PairingRemoval = false
	m.session.Conn = gatt.InvalidConn
	m.session.UseWhitelist = false
	m.pipeline.ResetSamples()
	m.initServices()
}

func (m *Machine) initServices() {
	for _, s := range m.services {
		if err := s.DataInit(); err != nil {
			m.raise(PanicStore, err)
			return
		}
	}
	m.publishValues()
}

// publishValues hands every readable attribute's value to the stack, which
// answers reads without asking the machine.
func (m *Machine) publishValues() {
	for _, h := range m.table.Handles() {
		v, status := m.dispatcher.HandleRead(h)
		if status != gatt.StatusSuccess {
			continue
		}
		if err := m.ctrl.Publish(h, v); err != nil {
			slog.Debug("[APP] publish failed", "handle", fmt.Sprintf("%#04x", uint16(h)), "error", err)
		}
	}
}

// triggerFastAdverts starts fast advertising, restricted to the bonded peer
// for a short window when it uses a fixed address.
func (m *Machine) triggerFastAdverts() {
	m.session.UseWhitelist = m.bonds.NeedsWhitelist()
	d := m.opts.FastAdvertTimeout
	if m.session.UseWhitelist {
		d = m.opts.BondedAdvertTimeout
	}
	m.startAdverts(AdvertFast, d)
}

func (m *Machine) startAdverts(mode AdvertMode, window time.Duration) {
	if err := m.ctrl.StartAdvertising(mode, m.session.UseWhitelist); err != nil {
		slog.Warn("[APP] start advertising failed", "mode", mode, "error", err)
	}
	m.sched.Delete(m.advTid)
	m.advTid = m.sched.Create(window, m.advertTimeout)
	slog.Debug("[APP] advertising", "mode", mode, "whitelist", m.session.UseWhitelist, "window", window)
}

func (m *Machine) resetIdleTimer() {
	m.sched.Delete(m.idleTid)
	m.idleTid = m.sched.Create(m.opts.IdleTimeout, m.idleTimeout)
}

func (m *Machine) signal(s Signal) {
	if m.ind != nil {
		m.ind.Signal(s)
	}
}
