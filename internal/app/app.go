// Package app is the peripheral's lifecycle state machine. It owns the
// session, sequences advertising, pairing, encryption and disconnection,
// and drives the measurement pipeline, the sibling services and the
// appliance from a single event loop.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/brewbeat/internal/appliance"
	"github.com/chaz8081/brewbeat/internal/bonding"
	"github.com/chaz8081/brewbeat/internal/connparam"
	"github.com/chaz8081/brewbeat/internal/gatt"
	"github.com/chaz8081/brewbeat/internal/measure"
	"github.com/chaz8081/brewbeat/internal/nvm"
	"github.com/chaz8081/brewbeat/internal/services"
	"github.com/chaz8081/brewbeat/internal/timer"
)

// Options configures the machine's timers and its components.
type Options struct {
	DeviceName string

	FastAdvertTimeout   time.Duration // general fast advertising window
	SlowAdvertTimeout   time.Duration // slow advertising window
	BondedAdvertTimeout time.Duration // whitelisted window for a bonded peer
	IdleTimeout         time.Duration // disconnect after this long without reports
	MeasurementPeriod   time.Duration

	Measure   measure.Options
	ConnParam connparam.Options
	Appliance appliance.Options
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		DeviceName:          "Brewbeat",
		FastAdvertTimeout:   30 * time.Second,
		SlowAdvertTimeout:   60 * time.Second,
		BondedAdvertTimeout: 10 * time.Second,
		IdleTimeout:         10 * time.Second,
		MeasurementPeriod:   time.Second,
		Measure:             measure.DefaultOptions(),
		ConnParam:           connparam.DefaultOptions(),
		Appliance:           appliance.DefaultOptions(),
	}
}

// Deps are the collaborators the machine runs against.
type Deps struct {
	Store      *nvm.Store
	Controller Controller
	Scheduler  timer.Scheduler
	Indicator  Indicator
	Battery    services.LevelReader
	Pins       appliance.Pins
	Fatal      FatalFunc
}

// Session is the per-process connection context.
type Session struct {
	State          State
	Conn           gatt.ConnID
	Peer           bonding.Address
	PairingRemoval bool
	UseWhitelist   bool
	ParamAttempts  int
}

// service is a sibling service with a store block.
type service interface {
	DataInit() error
	ReadFromStore(fresh bool, layout *nvm.Layout) error
	BondingNotify() error
}

// Machine is the connection state machine.
type Machine struct {
	opts  Options
	store *nvm.Store
	ctrl  Controller
	sched timer.Scheduler
	ind   Indicator
	fatal FatalFunc

	bonds      *bonding.Store
	pipeline   *measure.Pipeline
	negotiator *connparam.Negotiator
	gap        *services.GAP
	battery    *services.Battery
	coffee     *appliance.Machine
	table      *gatt.Table
	dispatcher *gatt.Dispatcher
	services   []service

	session Session
	advTid  timer.ID
	idleTid timer.ID
	measTid timer.ID
	halted  bool
}

// New builds the machine and its components. Call Init before delivering
// events.
func New(deps Deps, opts Options) *Machine {
	def := DefaultOptions()
	if opts.DeviceName == "" {
		opts.DeviceName = def.DeviceName
	}
	if opts.FastAdvertTimeout <= 0 {
		opts.FastAdvertTimeout = def.FastAdvertTimeout
	}
	if opts.SlowAdvertTimeout <= 0 {
		opts.SlowAdvertTimeout = def.SlowAdvertTimeout
	}
	if opts.BondedAdvertTimeout <= 0 {
		opts.BondedAdvertTimeout = def.BondedAdvertTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.MeasurementPeriod <= 0 {
		opts.MeasurementPeriod = def.MeasurementPeriod
	}
	if deps.Fatal == nil {
		deps.Fatal = func(code PanicCode, err error) {
			slog.Error("[APP] fatal", "code", code, "error", err)
		}
	}
	if deps.Battery == nil {
		deps.Battery = services.StaticLevel(100)
	}
	if deps.Pins == nil {
		deps.Pins = appliance.NewSimPins(nil)
	}

	m := &Machine{
		opts:  opts,
		store: deps.Store,
		ctrl:  deps.Controller,
		sched: deps.Scheduler,
		ind:   deps.Indicator,
		fatal: deps.Fatal,
		session: Session{
			State: StateInit,
			Conn:  gatt.InvalidConn,
		},
	}

	storeFault := func(err error) { m.raise(PanicStore, err) }

	m.bonds = bonding.NewStore(deps.Store)

	mopts := opts.Measure
	mopts.Fault = storeFault
	m.pipeline = measure.New(deps.Store, deps.Controller, m.IsBonded, mopts)

	copts := opts.ConnParam
	copts.Fault = func(err error) { m.raise(PanicConnParamUpdate, err) }
	m.negotiator = connparam.New(deps.Scheduler, deps.Controller, func() bool {
		return m.session.State == StateConnected
	}, copts)

	m.gap = services.NewGAP(deps.Store, opts.DeviceName, storeFault)
	m.battery = services.NewBattery(deps.Store, deps.Battery, deps.Controller, m.IsBonded, storeFault)
	m.coffee = appliance.New(deps.Pins, deps.Scheduler, appliance.ReporterFunc(m.report), opts.Appliance)
	m.services = []service{m.gap, m.pipeline, m.battery}

	m.table = gatt.NewTable()
	m.dispatcher = gatt.NewDispatcher(m.table, deps.Controller)
	return m
}

// Init restores persisted state and builds the attribute table. The machine
// is left in Init waiting for HandleDBRegistered.
func (m *Machine) Init() error {
	fresh, err := m.bonds.Load()
	if err != nil {
		return fmt.Errorf("app: load bonding: %w", err)
	}
	layout := nvm.NewLayout(bonding.Words, m.store.Size())
	for _, s := range m.services {
		if err := s.ReadFromStore(fresh, layout); err != nil {
			return fmt.Errorf("app: restore services: %w", err)
		}
	}

	attrs := append(m.gap.Attributes(), m.pipeline.Attributes()...)
	attrs = append(attrs, m.coffee.Attribute())
	attrs = append(attrs, m.battery.Attributes()...)
	if err := m.table.Register(attrs...); err != nil {
		return fmt.Errorf("app: register attributes: %w", err)
	}

	slog.Info("[APP] initialised", "fresh_store", fresh, "bonded", m.bonds.Flag(), "store_words", layout.Cursor())
	return nil
}

// Session returns a snapshot of the session context.
func (m *Machine) Session() Session {
	s := m.session
	s.ParamAttempts = m.negotiator.Attempts()
	return s
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	return m.session.State
}

// Halted reports whether a fatal condition was raised.
func (m *Machine) Halted() bool {
	return m.halted
}

// DeviceName returns the advertised name.
func (m *Machine) DeviceName() string {
	return m.gap.Name()
}

// Bonding returns the bonding record.
func (m *Machine) Bonding() bonding.Record {
	return m.bonds.Record()
}

// Pipeline returns the measurement pipeline.
func (m *Machine) Pipeline() *measure.Pipeline {
	return m.pipeline
}

// Appliance returns the coffee machine driver.
func (m *Machine) Appliance() *appliance.Machine {
	return m.coffee
}

// IsBonded reports whether the device is bonded. While connected it is
// bonded only to the connected peer.
func (m *Machine) IsBonded() bool {
	return m.bonds.IsBonded(m.connectedPeer())
}

func (m *Machine) connectedPeer() *bonding.Address {
	if m.session.State != StateConnected {
		return nil
	}
	peer := m.session.Peer
	return &peer
}

// report sends an appliance report through the measurement channel.
func (m *Machine) report(data []byte) {
	if err := m.pipeline.Send(m.session.Conn, data); err != nil {
		if errors.Is(err, measure.ErrNotSubscribed) {
			slog.Debug("[COFFEE] report dropped, peer not subscribed", "data", fmt.Sprintf("% x", data))
			return
		}
		slog.Warn("[COFFEE] report failed", "error", err)
	}
}

// raise raises a fatal condition once.
func (m *Machine) raise(code PanicCode, err error) {
	if m.halted {
		return
	}
	m.halted = true
	slog.Error("[APP] fatal condition", "code", code, "state", m.session.State, "error", err)
	m.fatal(code, err)
}

// invalid raises PanicInvalidState for event.
func (m *Machine) invalid(event string) {
	m.raise(PanicInvalidState, fmt.Errorf("app: %s in state %s", event, m.session.State))
}
