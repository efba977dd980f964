// Package measure turns raw beat intervals into periodic measurement
// reports and owns the persisted state behind them: the peer's
// notification subscription and the energy-expended counter.
package measure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/chaz8081/brewbeat/internal/gatt"
	"github.com/chaz8081/brewbeat/internal/nvm"
)

// Words is the number of store words the pipeline claims.
const Words = 2

const (
	offsetConfig = 0
	offsetEnergy = 1
)

// MaxEnergy is the saturation value of the energy-expended counter. A peer
// reading it knows a reset is due.
const MaxEnergy uint16 = math.MaxUint16

// Report flag bits.
const (
	FlagRateUint16       byte = 0x01
	FlagContact          byte = 0x06
	FlagEnergyPresent    byte = 0x08
	FlagIntervalsPresent byte = 0x10
)

// ErrNotSubscribed is returned by Send when the peer has not enabled
// notifications or no connection is active.
var ErrNotSubscribed = errors.New("measure: notifications not enabled")

// Transport delivers a notification to the connected peer.
type Transport interface {
	Notify(conn gatt.ConnID, h gatt.Handle, data []byte) error
}

// Options configures report assembly.
type Options struct {
	EnergyPeriod    int    // reports between energy-expended inclusions
	EnergyPerReport uint16 // energy added for each report carrying samples
	// Fault is called when a write from a peer cannot be persisted.
	Fault func(err error)
}

// DefaultOptions returns the standard report cadence.
func DefaultOptions() Options {
	return Options{
		EnergyPeriod:    10,
		EnergyPerReport: 2,
	}
}

// Pipeline accumulates beat intervals and emits measurement reports.
type Pipeline struct {
	store  *nvm.Store
	tx     Transport
	bonded func() bool
	opts   Options

	ring    Ring
	offset  int
	config  gatt.ClientConfig
	energy  uint16
	reports int
}

// New creates a pipeline persisting through store and sending through tx.
// bonded reports whether the current peer is the bonded one.
func New(store *nvm.Store, tx Transport, bonded func() bool, opts Options) *Pipeline {
	if opts.EnergyPeriod <= 0 {
		opts.EnergyPeriod = 10
	}
	if opts.EnergyPerReport == 0 {
		opts.EnergyPerReport = 2
	}
	if opts.Fault == nil {
		opts.Fault = func(err error) { slog.Error("[MEAS] store write failed", "error", err) }
	}
	return &Pipeline{store: store, tx: tx, bonded: bonded, opts: opts}
}

// ReadFromStore claims the pipeline's block from layout. The notification
// config is restored only while bonded. On a fresh store the energy counter
// is written out, otherwise it is read back.
func (p *Pipeline) ReadFromStore(fresh bool, layout *nvm.Layout) error {
	off, err := layout.Claim(Words)
	if err != nil {
		return fmt.Errorf("measure: claim store: %w", err)
	}
	p.offset = off

	if p.bonded() {
		v, err := p.store.ReadWord(p.offset + offsetConfig)
		if err != nil {
			return fmt.Errorf("measure: read config: %w", err)
		}
		p.config = gatt.ClientConfig(v)
	}
	if fresh {
		if err := p.store.WriteWord(p.offset+offsetEnergy, p.energy); err != nil {
			return fmt.Errorf("measure: write energy: %w", err)
		}
		return nil
	}
	if p.energy, err = p.store.ReadWord(p.offset + offsetEnergy); err != nil {
		return fmt.Errorf("measure: read energy: %w", err)
	}
	return nil
}

// DataInit resets per-connection state. An unbonded peer's subscription is
// dropped and the energy counter is persisted.
func (p *Pipeline) DataInit() error {
	if !p.bonded() {
		p.config = gatt.ConfigNone
	}
	if err := p.store.WriteWord(p.offset+offsetEnergy, p.energy); err != nil {
		return fmt.Errorf("measure: write energy: %w", err)
	}
	return nil
}

// BondingNotify persists a subscription made before bonding completed.
func (p *Pipeline) BondingNotify() error {
	if !p.bonded() {
		return nil
	}
	if err := p.store.WriteWord(p.offset+offsetConfig, uint16(p.config)); err != nil {
		return fmt.Errorf("measure: write config: %w", err)
	}
	return nil
}

// AddSample queues a raw tick count as a beat interval.
func (p *Pipeline) AddSample(raw uint32) {
	p.ring.Push(uint16(raw >> TickShift))
}

// ResetSamples discards queued intervals.
func (p *Pipeline) ResetSamples() {
	p.ring.Reset()
}

// Pending returns the number of queued intervals.
func (p *Pipeline) Pending() int {
	return p.ring.Len()
}

// IncrementEnergy adds delta to the energy counter, saturating at MaxEnergy.
func (p *Pipeline) IncrementEnergy(delta uint16) {
	if uint32(p.energy)+uint32(delta) > uint32(MaxEnergy) {
		p.energy = MaxEnergy
		return
	}
	p.energy += delta
}

// Energy returns the energy-expended counter.
func (p *Pipeline) Energy() uint16 {
	return p.energy
}

// Config returns the peer's notification subscription.
func (p *Pipeline) Config() gatt.ClientConfig {
	return p.config
}

// NotifyEnabled reports whether the peer subscribed to reports.
func (p *Pipeline) NotifyEnabled() bool {
	return p.config == gatt.ConfigNotification
}

// ComputeRate derives beats per minute from count intervals totalling sum
// (1/1024 s units). ok is false when there is nothing to report.
func ComputeRate(count int, sum uint32) (rate uint16, ok bool) {
	if count == 0 || sum == 0 {
		return 0, false
	}
	bpm := uint32(count) * 60 * 1024 / sum
	if bpm > math.MaxUint16 {
		bpm = math.MaxUint16
	}
	return uint16(bpm), true
}

// BuildReport drains the queued intervals into a measurement record. It
// returns nil when no interval arrived this period.
func (p *Pipeline) BuildReport() []byte {
	if p.ring.Len() == 0 {
		return nil
	}

	intervals, sum := p.ring.Drain(make([]uint16, 0, Capacity))
	rate, _ := ComputeRate(len(intervals), sum)

	p.IncrementEnergy(p.opts.EnergyPerReport)
	p.reports++

	flags := FlagContact | FlagIntervalsPresent
	out := make([]byte, 1, 5+2*len(intervals))
	if rate > math.MaxUint8 {
		flags |= FlagRateUint16
		out = binary.LittleEndian.AppendUint16(out, rate)
	} else {
		out = append(out, byte(rate))
	}
	if p.reports/p.opts.EnergyPeriod >= 1 {
		flags |= FlagEnergyPresent
		out = binary.LittleEndian.AppendUint16(out, p.energy)
		p.reports = 0
	}
	for _, v := range intervals {
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	out[0] = flags
	return out
}

// Report builds and sends this period's measurement. Nothing is computed
// while the peer is unsubscribed. sent reports whether a record went out.
func (p *Pipeline) Report(conn gatt.ConnID) (sent bool, err error) {
	if !p.NotifyEnabled() {
		return false, nil
	}
	data := p.BuildReport()
	if data == nil {
		return false, nil
	}
	if err := p.Send(conn, data); err != nil {
		return false, err
	}
	slog.Debug("[MEAS] report sent", "len", len(data), "energy", p.energy)
	return true, nil
}

// Send notifies data on the measurement characteristic. Other services
// (the appliance) report through the same channel.
func (p *Pipeline) Send(conn gatt.ConnID, data []byte) error {
	if !p.NotifyEnabled() || conn == gatt.InvalidConn {
		return ErrNotSubscribed
	}
	if err := p.tx.Notify(conn, gatt.HandleMeasurement, data); err != nil {
		return fmt.Errorf("measure: notify: %w", err)
	}
	return nil
}

// Attributes returns the attributes the pipeline serves.
func (p *Pipeline) Attributes() []gatt.Attribute {
	return []gatt.Attribute{
		{Handle: gatt.HandleMeasurement, Name: "measurement"},
		{
			Handle: gatt.HandleMeasurementConfig,
			Name:   "measurement config",
			Read:   p.readConfig,
			Write:  p.writeConfig,
		},
	}
}

func (p *Pipeline) readConfig() ([]byte, gatt.Status) {
	return p.config.Bytes(), gatt.StatusSuccess
}

func (p *Pipeline) writeConfig(value []byte) gatt.Status {
	cfg, status := gatt.ParseNotifyConfig(value)
	if status != gatt.StatusSuccess {
		return status
	}
	p.config = cfg
	slog.Info("[MEAS] notification config", "config", cfg)
	if p.bonded() {
		if err := p.store.WriteWord(p.offset+offsetConfig, uint16(cfg)); err != nil {
			p.opts.Fault(fmt.Errorf("measure: write config: %w", err))
		}
	}
	return gatt.StatusSuccess
}
