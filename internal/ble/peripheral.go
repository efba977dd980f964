package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/chaz8081/brewbeat/internal/app"
	"github.com/chaz8081/brewbeat/internal/bonding"
	"github.com/chaz8081/brewbeat/internal/connparam"
	"github.com/chaz8081/brewbeat/internal/gatt"
)

// ErrWhitelistFull is returned when the whitelist has no room left.
var ErrWhitelistFull = errors.New("ble: whitelist full")

// Events is the machine side of the peripheral. Every call is delivered
// through the post function so it runs on the machine's loop.
type Events interface {
	HandleDBRegistered(err error)
	HandleConnect(err error, conn gatt.ConnID, peer bonding.Address)
	HandleDisconnect(reason app.DisconnectReason)
	HandleAdvertisingStopped()
	HandleAccess(req gatt.AccessRequest)
	HandleConnParamConfirm(err error)
	HandlePairingComplete(err error, peer bonding.Address)
	HandleEncryptionChange(err error, enabled bool)
}

// Options configures the published services and advertising.
type Options struct {
	Name              string
	ServiceUUID       string // vendor appliance service
	ControlPointUUID  string
	ConfigUUID        string // measurement notification config
	BatteryConfigUUID string // battery level notification config
	FastInterval      time.Duration
	SlowInterval      time.Duration
	WhitelistSize     int
}

// DefaultOptions returns the stock vendor UUIDs and intervals.
func DefaultOptions() Options {
	return Options{
		Name:              "Brewbeat",
		ServiceUUID:       "6e0f1000-7b61-4c2d-9f4e-6272657762ea",
		ControlPointUUID:  "6e0f1001-7b61-4c2d-9f4e-6272657762ea",
		ConfigUUID:        "6e0f1002-7b61-4c2d-9f4e-6272657762ea",
		BatteryConfigUUID: "6e0f1003-7b61-4c2d-9f4e-6272657762ea",
		FastInterval:      60 * time.Millisecond,
		SlowInterval:      time.Second,
		WhitelistSize:     8,
	}
}

// link is one connected central.
type link struct {
	addr    string
	peer    bonding.Address
	live    bool // HandleConnect delivered
	closing bool // disconnect requested locally
}

// Peripheral implements app.Controller on a Stack. It accepts one central
// at a time and only while advertising. Events for a link are dropped once
// the link is gone or being closed.
type Peripheral struct {
	stack Stack
	post  func(func())
	opts  Options

	mu          sync.Mutex
	events      Events
	whitelist   mapset.Set
	whitelistOn bool
	advertising bool
	links       map[gatt.ConnID]*link
	current     gatt.ConnID
	nextConn    gatt.ConnID
	linkSeq     uint64          // connects and disconnects delivered to events
	secured     map[string]bool // security seen before the link; true if newly paired
}

// NewPeripheral creates a peripheral on stack. post must run fn on the
// machine's event loop and must not block.
func NewPeripheral(stack Stack, post func(fn func()), opts Options) *Peripheral {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.ControlPointUUID == "" {
		opts.ControlPointUUID = def.ControlPointUUID
	}
	if opts.ConfigUUID == "" {
		opts.ConfigUUID = def.ConfigUUID
	}
	if opts.BatteryConfigUUID == "" {
		opts.BatteryConfigUUID = def.BatteryConfigUUID
	}
	if opts.FastInterval <= 0 {
		opts.FastInterval = def.FastInterval
	}
	if opts.SlowInterval <= 0 {
		opts.SlowInterval = def.SlowInterval
	}
	if opts.WhitelistSize <= 0 {
		opts.WhitelistSize = def.WhitelistSize
	}
	return &Peripheral{
		stack:     stack,
		post:      post,
		opts:      opts,
		whitelist: mapset.NewSet(),
		links:     make(map[gatt.ConnID]*link),
		current:   gatt.InvalidConn,
		nextConn:  1,
		secured:   make(map[string]bool),
	}
}

// services returns the attribute layout published on the stack.
func (p *Peripheral) services() []Service {
	return []Service{
		{
			UUID: HeartRateServiceUUID,
			Characteristics: []Characteristic{
				{Handle: gatt.HandleMeasurement, UUID: HeartRateMeasurementUUID, Flags: CharNotify},
			},
		},
		{
			UUID: p.opts.ServiceUUID,
			Characteristics: []Characteristic{
				{Handle: gatt.HandleControlPoint, UUID: p.opts.ControlPointUUID, Flags: CharWrite},
				{Handle: gatt.HandleMeasurementConfig, UUID: p.opts.ConfigUUID, Flags: CharRead | CharWrite, Value: gatt.ConfigNone.Bytes()},
				{Handle: gatt.HandleBatteryLevelConfig, UUID: p.opts.BatteryConfigUUID, Flags: CharRead | CharWrite, Value: gatt.ConfigNone.Bytes()},
				{Handle: gatt.HandleDeviceName, UUID: DeviceNameUUID, Flags: CharRead | CharWrite, Value: []byte(p.opts.Name)},
			},
		},
		{
			UUID: BatteryServiceUUID,
			Characteristics: []Characteristic{
				{Handle: gatt.HandleBatteryLevel, UUID: BatteryLevelUUID, Flags: CharRead | CharNotify, Value: []byte{100}},
			},
		},
	}
}

// Register enables the stack, publishes the services and reports the
// outcome to events.
func (p *Peripheral) Register(events Events) {
	p.mu.Lock()
	p.events = events
	p.mu.Unlock()

	err := p.register()
	if err != nil {
		slog.Error("[BLE] registration failed", "error", err)
	}
	p.post(func() { events.HandleDBRegistered(err) })
}

func (p *Peripheral) register() error {
	if err := p.stack.Enable(); err != nil {
		return err
	}
	p.stack.SetConnectHandler(p.onConnect)
	for _, svc := range p.services() {
		if err := p.stack.AddService(svc, p.onWrite); err != nil {
			return err
		}
	}
	slog.Info("[BLE] services registered", "vendor_service", p.opts.ServiceUUID)
	return nil
}

func (p *Peripheral) onConnect(addr string, random bool, connected bool) {
	if connected {
		p.connected(addr, random)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.secured, addr)
	id, found := p.linkByAddr(addr)
	if found == nil {
		slog.Debug("[BLE] disconnect from unknown peer", "addr", addr)
		return
	}
	delete(p.links, id)
	if p.current == id {
		p.current = gatt.InvalidConn
	}

	reason := app.ReasonRemote
	if found.closing {
		reason = app.ReasonLocal
	}
	slog.Info("[BLE] disconnected", "conn", id, "addr", addr, "reason", reason)
	events := p.events
	p.post(func() {
		p.mu.Lock()
		p.linkSeq++
		p.mu.Unlock()
		events.HandleDisconnect(reason)
	})
}

func (p *Peripheral) connected(addr string, random bool) {
	typ := bonding.AddrPublic
	if random {
		typ = bonding.AddrRandom
	}
	peer, err := bonding.ParseAddress(addr, typ)
	if err != nil {
		slog.Warn("[BLE] unparseable peer address", "addr", addr, "error", err)
	}

	p.mu.Lock()
	var reject string
	switch {
	case p.current != gatt.InvalidConn:
		reject = "already connected"
	case !p.advertising:
		reject = "not advertising"
	case p.whitelistOn && (err != nil || !p.whitelist.Contains(peer)):
		reject = "outside whitelist"
	}
	if reject != "" {
		p.mu.Unlock()
		slog.Info("[BLE] rejecting peer", "addr", addr, "reason", reject)
		if err := p.stack.Disconnect(addr); err != nil {
			slog.Warn("[BLE] reject failed", "addr", addr, "error", err)
		}
		return
	}

	id := p.nextConn
	p.nextConn++
	if p.nextConn == gatt.InvalidConn {
		p.nextConn = 1
	}
	p.links[id] = &link{addr: addr, peer: peer}
	p.current = id
	p.advertising = false

	// Posting under the lock orders this connect ahead of anything a
	// later controller call posts.
	p.post(func() { p.deliverConnect(id, peer) })
	if fresh, ok := p.secured[addr]; ok {
		delete(p.secured, addr)
		p.postSecured(id, peer, fresh)
	}
	p.mu.Unlock()

	if err := p.stack.StopAdvertising(); err != nil {
		slog.Debug("[BLE] stop advertising on connect failed", "error", err)
	}
}

func (p *Peripheral) deliverConnect(id gatt.ConnID, peer bonding.Address) {
	p.mu.Lock()
	if l, ok := p.links[id]; ok {
		l.live = true
	}
	p.linkSeq++
	events := p.events
	p.mu.Unlock()
	events.HandleConnect(nil, id, peer)
}

// linkByAddr must be called with p.mu held.
func (p *Peripheral) linkByAddr(addr string) (gatt.ConnID, *link) {
	for id, l := range p.links {
		if l.addr == addr {
			return id, l
		}
	}
	return gatt.InvalidConn, nil
}

// onLink posts fn to run only if conn is still the live link when it
// reaches the loop.
func (p *Peripheral) onLink(conn gatt.ConnID, event string, fn func(Events)) {
	p.post(func() {
		p.mu.Lock()
		l, ok := p.links[conn]
		live := ok && l.live && !l.closing && p.current == conn
		events := p.events
		p.mu.Unlock()
		if !live {
			slog.Debug("[BLE] dropping event for stale link", "event", event, "conn", conn)
			return
		}
		fn(events)
	})
}

func (p *Peripheral) onWrite(h gatt.Handle, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := p.current
	if conn == gatt.InvalidConn {
		slog.Debug("[BLE] write without a connection", "handle", h)
		return
	}
	req := gatt.AccessRequest{
		Conn:   conn,
		Handle: h,
		Flags:  gatt.AccessWrite | gatt.AccessPermission | gatt.AccessWriteComplete,
		Value:  value,
	}
	p.onLink(conn, "attribute access", func(events Events) { events.HandleAccess(req) })
}

// Secured reports that the host stack encrypted the link to addr. fresh is
// set when the peer has just paired, as opposed to resuming an existing
// bond. Security reported before the connection itself is held until the
// link appears.
func (p *Peripheral) Secured(addr string, fresh bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, l := p.linkByAddr(addr)
	if l == nil {
		p.secured[addr] = p.secured[addr] || fresh
		slog.Debug("[BLE] security before connection, holding", "addr", addr, "paired", fresh)
		return
	}
	p.postSecured(id, l.peer, fresh)
}

// postSecured must be called with p.mu held.
func (p *Peripheral) postSecured(id gatt.ConnID, peer bonding.Address, fresh bool) {
	p.onLink(id, "security", func(events Events) {
		if fresh {
			events.HandlePairingComplete(nil, peer)
		}
		events.HandleEncryptionChange(nil, true)
	})
}

func (p *Peripheral) StartAdvertising(mode app.AdvertMode, whitelist bool) error {
	interval := p.opts.FastInterval
	if mode == app.AdvertSlow {
		interval = p.opts.SlowInterval
	}
	p.mu.Lock()
	p.whitelistOn = whitelist
	p.advertising = true
	p.mu.Unlock()

	err := p.stack.Advertise(Advertisement{
		LocalName:    p.opts.Name,
		ServiceUUIDs: []string{HeartRateServiceUUID},
		Interval:     interval,
	})
	if err != nil {
		p.mu.Lock()
		p.advertising = false
		p.mu.Unlock()
		return err
	}
	slog.Debug("[BLE] advertising", "mode", mode, "interval", interval, "whitelist", whitelist)
	return nil
}

// StopAdvertising stops advertising and confirms through the event loop.
// The confirmation is dropped if a connect or disconnect reaches the
// machine first.
func (p *Peripheral) StopAdvertising() error {
	if err := p.stack.StopAdvertising(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = false
	seq := p.linkSeq
	events := p.events
	p.post(func() {
		p.mu.Lock()
		stale := p.linkSeq != seq
		p.mu.Unlock()
		if stale {
			slog.Debug("[BLE] dropping stale advertising stop")
			return
		}
		events.HandleAdvertisingStopped()
	})
	return nil
}

func (p *Peripheral) AddWhitelist(addr bonding.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.whitelist.Contains(addr) {
		return nil
	}
	if p.whitelist.Cardinality() >= p.opts.WhitelistSize {
		return ErrWhitelistFull
	}
	p.whitelist.Add(addr)
	return nil
}

func (p *Peripheral) DeleteWhitelist(addr bonding.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.whitelist.Contains(addr) {
		return fmt.Errorf("ble: %s not in whitelist", addr)
	}
	p.whitelist.Remove(addr)
	return nil
}

func (p *Peripheral) ResetWhitelist() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.whitelist.Clear()
	return nil
}

// Disconnect drops conn. The stack's disconnect callback completes it.
func (p *Peripheral) Disconnect(conn gatt.ConnID) error {
	p.mu.Lock()
	l, ok := p.links[conn]
	if ok {
		l.closing = true
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: unknown connection %d", conn)
	}
	return p.stack.Disconnect(l.addr)
}

// RequestConnParams asks for new connection parameters. The host stack
// negotiates parameters itself, so the request is only logged and
// confirmed for the current link.
func (p *Peripheral) RequestConnParams(params connparam.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := p.current
	if conn == gatt.InvalidConn {
		// The link is down and its disconnect is already queued.
		slog.Debug("[BLE] connection parameter request after link loss")
		return nil
	}
	slog.Info("[BLE] connection parameter request", "conn", conn,
		"min_interval", params.MinInterval, "max_interval", params.MaxInterval,
		"latency", params.Latency, "supervision_timeout", params.SupervisionTimeout)
	p.onLink(conn, "connection parameter confirm", func(events Events) {
		events.HandleConnParamConfirm(nil)
	})
	return nil
}

// DiversifierVerdict is informational: the host stack owns the keys.
func (p *Peripheral) DiversifierVerdict(conn gatt.ConnID, approve bool) {
	slog.Debug("[BLE] diversifier verdict", "conn", conn, "approve", approve)
}

// AccessResponse completes a deferred access. The stack has already stored
// a written value, so a rejected write puts back the attribute's current
// value; successful reads refresh the published value.
func (p *Peripheral) AccessResponse(conn gatt.ConnID, h gatt.Handle, status gatt.Status, value []byte) {
	if status != gatt.StatusSuccess {
		slog.Info("[BLE] access rejected", "conn", conn, "handle", h, "status", status)
	}
	if value == nil {
		return
	}
	if err := p.stack.Notify(h, value); err != nil {
		slog.Debug("[BLE] value refresh failed", "handle", h, "error", err)
	}
}

// Publish sets the value the stack serves for h.
func (p *Peripheral) Publish(h gatt.Handle, value []byte) error {
	return p.stack.Notify(h, value)
}

func (p *Peripheral) Notify(conn gatt.ConnID, h gatt.Handle, data []byte) error {
	p.mu.Lock()
	_, ok := p.links[conn]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: notify on unknown connection %d", conn)
	}
	return p.stack.Notify(h, data)
}

// Compile-time check that Peripheral implements app.Controller.
var _ app.Controller = (*Peripheral)(nil)
