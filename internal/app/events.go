package app

import (
	"errors"
	"log/slog"

	"github.com/chaz8081/brewbeat/internal/appliance"
	"github.com/chaz8081/brewbeat/internal/bonding"
	"github.com/chaz8081/brewbeat/internal/connparam"
	"github.com/chaz8081/brewbeat/internal/gatt"
	"github.com/chaz8081/brewbeat/internal/timer"
)

// Every handler runs to completion on the event loop. Once the machine has
// raised a fatal condition all events are dropped.

// HandleDBRegistered reports the outcome of attribute table registration.
func (m *Machine) HandleDBRegistered(err error) {
	if m.halted {
		return
	}
	if m.session.State != StateInit {
		m.invalid("attribute table registered")
		return
	}
	if err != nil {
		m.raise(PanicDBRegistration, err)
		return
	}
	m.publishValues()
	m.setState(StateFastAdvertising)
}

// HandleConnect reports a link establishment attempt.
func (m *Machine) HandleConnect(err error, conn gatt.ConnID, peer bonding.Address) {
	if m.halted {
		return
	}
	if !m.session.State.advertising() {
		m.invalid("connect")
		return
	}
	if err != nil {
		slog.Info("[APP] connection failed", "error", err)
		m.setState(StateIdle)
		return
	}

	m.session.Conn = conn
	m.session.Peer = peer
	slog.Info("[APP] connected", "conn", conn, "peer", peer)

	if m.bonds.IdentityMismatch(peer) {
		slog.Info("[APP] peer does not resolve to the bonded identity, disconnecting", "peer", peer)
		m.setState(StateDisconnecting)
		return
	}
	m.setState(StateConnected)
}

// HandleAdvertisingStopped confirms a StopAdvertising request.
func (m *Machine) HandleAdvertisingStopped() {
	if m.halted {
		return
	}
	state := m.session.State

	if m.session.PairingRemoval {
		if !state.advertising() {
			m.invalid("advertising stopped")
			return
		}
		m.session.PairingRemoval = false
		m.session.UseWhitelist = false
		if err := m.ctrl.ResetWhitelist(); err != nil {
			m.raise(PanicDeleteWhitelist, err)
			return
		}
		if state == StateFastAdvertising {
			m.triggerFastAdverts()
			return
		}
		m.setState(StateFastAdvertising)
		return
	}

	switch state {
	case StateFastAdvertising:
		if !m.session.UseWhitelist {
			m.setState(StateSlowAdvertising)
			return
		}
		// The bonded-only window ended; open up to any peer.
		if err := m.ctrl.DeleteWhitelist(m.bonds.Record().Address); err != nil {
			m.raise(PanicDeleteWhitelist, err)
			return
		}
		m.session.UseWhitelist = false
		m.startAdverts(AdvertFast, m.opts.FastAdvertTimeout)
	case StateSlowAdvertising:
		m.setState(StateIdle)
	default:
		m.invalid("advertising stopped")
	}
}

// HandleDisconnect reports that the link went down.
func (m *Machine) HandleDisconnect(reason DisconnectReason) {
	if m.halted {
		return
	}
	state := m.session.State
	if state != StateConnected && state != StateDisconnecting {
		m.invalid("disconnect")
		return
	}
	slog.Info("[APP] disconnected", "reason", reason, "state", state)

	// Leaving Disconnecting resets through its exit action; an unexpected
	// loss while Connected has to reset here.
	if state == StateConnected {
		m.resetData()
		if m.halted {
			return
		}
	}

	switch reason {
	case ReasonTimeout:
		m.setState(StateFastAdvertising)
	case ReasonLocal:
		switch {
		case state == StateConnected:
			m.setState(StateFastAdvertising)
		case !m.bonds.Flag():
			m.setState(StateFastAdvertising)
		case m.bonds.IdentityMismatch(m.session.Peer):
			m.setState(StateFastAdvertising)
		default:
			m.setState(StateIdle)
		}
	default:
		if m.bonds.Flag() {
			m.setState(StateIdle)
		} else {
			m.setState(StateFastAdvertising)
		}
	}
}

// HandleKeys stores keys distributed during pairing.
func (m *Machine) HandleKeys(div uint16, irk bonding.IRK) {
	if m.halted {
		return
	}
	if m.session.State != StateConnected {
		m.invalid("keys")
		return
	}
	if err := m.bonds.RecordKeys(m.session.Peer, div, irk); err != nil {
		m.raise(PanicStore, err)
	}
}

// HandlePairingComplete reports the outcome of pairing. It can arrive after
// the link is gone and is then ignored.
func (m *Machine) HandlePairingComplete(err error, peer bonding.Address) {
	if m.halted {
		return
	}
	if m.session.State != StateConnected {
		slog.Debug("[APP] pairing complete ignored", "state", m.session.State)
		return
	}

	if err == nil {
		if err := m.bonds.RecordSuccess(peer, m.ctrl); err != nil {
			m.raise(storeCode(err), err)
			return
		}
		for _, s := range m.services {
			if err := s.BondingNotify(); err != nil {
				m.raise(PanicStore, err)
				return
			}
		}
		return
	}

	slog.Info("[APP] pairing failed", "peer", peer, "error", err)
	if err := m.bonds.RecordFailure(m.connectedPeer(), m.ctrl); err != nil {
		m.raise(storeCode(err), err)
		return
	}
	m.pipeline.ResetSamples()
	m.initServices()
}

// HandleEncryptionChange reports a change of link encryption.
func (m *Machine) HandleEncryptionChange(err error, enabled bool) {
	if m.halted {
		return
	}
	if m.session.State != StateConnected {
		m.invalid("encryption change")
		return
	}
	if err == nil && enabled {
		m.negotiator.Start()
	}
}

// HandleDiversifierApprove answers whether div may resume encryption.
func (m *Machine) HandleDiversifierApprove(div uint16) {
	if m.halted {
		return
	}
	if m.session.State != StateConnected {
		m.invalid("diversifier approval")
		return
	}
	approve := m.bonds.ApproveDiversifier(m.connectedPeer(), div)
	slog.Debug("[APP] diversifier verdict", "div", div, "approve", approve)
	m.ctrl.DiversifierVerdict(m.session.Conn, approve)
}

// HandleConnParamConfirm reports the central's answer to a parameter
// update request.
func (m *Machine) HandleConnParamConfirm(err error) {
	if m.halted {
		return
	}
	if m.session.State != StateConnected {
		m.invalid("connection parameter confirm")
		return
	}
	m.negotiator.Confirm(err)
}

// HandleConnParamUpdate reports parameters applied by the central.
func (m *Machine) HandleConnParamUpdate(u connparam.Update) {
	if m.halted {
		return
	}
	if m.session.State != StateConnected {
		m.invalid("connection parameter update")
		return
	}
	m.negotiator.Updated(u)
}

// HandleAccess answers an attribute access deferred to the application.
func (m *Machine) HandleAccess(req gatt.AccessRequest) {
	if m.halted {
		return
	}
	if m.session.State != StateConnected {
		m.invalid("attribute access")
		return
	}
	m.dispatcher.Access(req)
}

// HandleSample queues a beat interval. A beat while idle wakes the device.
func (m *Machine) HandleSample(raw uint32) {
	if m.halted {
		return
	}
	switch m.session.State {
	case StateConnected:
		m.pipeline.AddSample(raw)
	case StateIdle:
		m.setState(StateFastAdvertising)
	}
}

// HandleShortPress wakes an idle device.
func (m *Machine) HandleShortPress() {
	if m.halted {
		return
	}
	m.signal(SignalShort)
	if m.session.State == StateIdle {
		m.setState(StateFastAdvertising)
	}
}

// HandleLongPress removes the pairing and makes the device available to
// any peer.
func (m *Machine) HandleLongPress() {
	if m.halted {
		return
	}
	m.signal(SignalThrice)
	if err := m.bonds.Forget(); err != nil {
		m.raise(PanicStore, err)
		return
	}

	switch m.session.State {
	case StateConnected:
		m.setState(StateDisconnecting)
		m.resetWhitelist()
	case StateFastAdvertising, StateSlowAdvertising:
		m.resetData()
		m.session.PairingRemoval = true
		if err := m.ctrl.StopAdvertising(); err != nil {
			slog.Warn("[APP] stop advertising failed", "error", err)
		}
	case StateDisconnecting:
		m.resetWhitelist()
	default:
		m.resetData()
		m.resetWhitelist()
		m.setState(StateFastAdvertising)
	}
}

// HandleBatteryLow pushes the battery level to a connected peer.
func (m *Machine) HandleBatteryLow() {
	if m.halted || m.session.State != StateConnected {
		return
	}
	if err := m.battery.UpdateLevel(m.session.Conn); err != nil {
		slog.Warn("[APP] battery update failed", "error", err)
	}
}

// HandleBatteryPoll refreshes the battery level: notified to a subscribed
// peer while connected, otherwise only published for reads.
func (m *Machine) HandleBatteryPoll() {
	if m.halted {
		return
	}
	conn := gatt.InvalidConn
	if m.session.State == StateConnected {
		conn = m.session.Conn
	}
	if err := m.battery.UpdateLevel(conn); err != nil {
		slog.Warn("[APP] battery update failed", "error", err)
	}
}

// HandleApplianceEdge forwards a coffee machine input change.
func (m *Machine) HandleApplianceEdge(e appliance.Edge) {
	if m.halted {
		return
	}
	m.coffee.HandleEdge(e)
}

func (m *Machine) resetWhitelist() {
	if m.halted {
		return
	}
	if err := m.ctrl.ResetWhitelist(); err != nil {
		m.raise(PanicDeleteWhitelist, err)
	}
}

func (m *Machine) advertTimeout(id timer.ID) {
	if m.halted || id != m.advTid {
		return
	}
	m.advTid = timer.Invalid
	if !m.session.State.advertising() {
		return
	}
	slog.Debug("[APP] advertising window over", "state", m.session.State)
	if err := m.ctrl.StopAdvertising(); err != nil {
		slog.Warn("[APP] stop advertising failed", "error", err)
	}
}

func (m *Machine) idleTimeout(id timer.ID) {
	if m.halted || id != m.idleTid {
		return
	}
	m.idleTid = timer.Invalid
	if m.session.State != StateConnected {
		return
	}
	slog.Info("[APP] idle, disconnecting")
	m.sched.Delete(m.measTid)
	m.measTid = timer.Invalid
	m.setState(StateDisconnecting)
}

// measure sends this period's report and re-arms the measurement timer.
// Entering Connected calls it with timer.Invalid to start the cycle.
func (m *Machine) measure(id timer.ID) {
	if m.halted || id != m.measTid {
		return
	}
	m.measTid = timer.Invalid

	switch m.session.State {
	case StateConnected:
		sent, err := m.pipeline.Report(m.session.Conn)
		if err != nil {
			slog.Warn("[MEAS] report failed", "error", err)
		}
		if sent {
			m.resetIdleTimer()
		}
		m.measTid = m.sched.Create(m.opts.MeasurementPeriod, m.measure)
	case StateDisconnecting:
	default:
		slog.Debug("[MEAS] timer ignored", "state", m.session.State)
	}
}

func storeCode(err error) PanicCode {
	switch {
	case errors.Is(err, bonding.ErrWhitelistAdd):
		return PanicAddWhitelist
	case errors.Is(err, bonding.ErrWhitelistDelete):
		return PanicDeleteWhitelist
	default:
		return PanicStore
	}
}
