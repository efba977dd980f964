// Package appliance drives the coffee machine behind the control point.
// Each recognised opcode is answered with one report on the measurement
// channel; brew completion, level readings and sensor edges add unsolicited
// reports later.
package appliance

import (
	"log/slog"
	"time"

	"github.com/chaz8081/brewbeat/internal/gatt"
	"github.com/chaz8081/brewbeat/internal/timer"
)

// Opcode is a control point command.
type Opcode byte

const (
	OpTurnOff    Opcode = 0x00
	OpTurnOn     Opcode = 0x01
	OpShortCycle Opcode = 0x02
	OpLongCycle  Opcode = 0x03
	OpWaterLevel Opcode = 0x04
	OpLevel      Opcode = 0x05
	OpGlass      Opcode = 0x06
	OpStatus     Opcode = 0x07
)

// Report status values.
const (
	StatusOff             byte = 0
	StatusOn              byte = 1
	StatusBusy            byte = 2
	StatusBrewing         byte = 3
	StatusOK              byte = 1
	StatusWaterEmpty      byte = 0
	StatusWaterFull       byte = 1
	StatusGlassMissing    byte = 0
	StatusGlassPositioned byte = 1
)

// Reporter sends a report to the connected peer.
type Reporter interface {
	Report(data []byte)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(data []byte)

func (f ReporterFunc) Report(data []byte) { f(data) }

// Options configures brew cycle lengths and level averaging.
type Options struct {
	ShortCycle   time.Duration
	LongCycle    time.Duration
	LevelSamples int
}

// DefaultOptions returns the stock machine timings.
func DefaultOptions() Options {
	return Options{
		ShortCycle:   8 * time.Second,
		LongCycle:    16 * time.Second,
		LevelSamples: 6,
	}
}

// Machine is the coffee machine driver.
type Machine struct {
	pins  Pins
	sched timer.Scheduler
	out   Reporter
	opts  Options

	brewTid timer.ID
	brewOp  Opcode

	water bool
	glass bool

	echoStart time.Duration
	echoHigh  bool
	widthSum  time.Duration
	samples   int
	level     uint16
}

// New creates a driver over pins. Reports are passed to out.
func New(pins Pins, sched timer.Scheduler, out Reporter, opts Options) *Machine {
	def := DefaultOptions()
	if opts.ShortCycle <= 0 {
		opts.ShortCycle = def.ShortCycle
	}
	if opts.LongCycle <= 0 {
		opts.LongCycle = def.LongCycle
	}
	if opts.LevelSamples <= 0 {
		opts.LevelSamples = def.LevelSamples
	}
	m := &Machine{pins: pins, sched: sched, out: out, opts: opts}
	m.water = pins.Get(PinWater)
	m.glass = pins.Get(PinGlass)
	return m
}

// Attribute returns the control point attribute.
func (m *Machine) Attribute() gatt.Attribute {
	return gatt.Attribute{
		Handle: gatt.HandleControlPoint,
		Name:   "control point",
		Write:  m.Write,
	}
}

// Write decodes and executes a control point command.
func (m *Machine) Write(value []byte) gatt.Status {
	if len(value) == 0 {
		return gatt.StatusApplication
	}
	op := Opcode(value[0])
	slog.Info("[COFFEE] command", "opcode", op)

	switch op {
	case OpTurnOff:
		m.pins.Set(PinPower, true)
		m.report(byte(op), StatusOff)
	case OpTurnOn:
		m.pins.Set(PinPower, false)
		m.report(byte(op), StatusOn)
	case OpShortCycle:
		m.brew(op, m.opts.ShortCycle)
	case OpLongCycle:
		m.brew(op, m.opts.LongCycle)
	case OpWaterLevel:
		m.report(byte(op), m.waterStatus())
	case OpLevel:
		m.report(byte(op), byte(m.level), byte(m.level>>8))
		m.MeasureLevel()
	case OpGlass:
		m.report(byte(op), m.glassStatus())
	case OpStatus:
		m.report(byte(op), m.powerStatus(), m.waterStatus(), m.glassStatus())
		m.MeasureLevel()
	default:
		return gatt.StatusApplication
	}
	return gatt.StatusSuccess
}

// Brewing reports whether a brew cycle is running.
func (m *Machine) Brewing() bool {
	return m.brewTid != timer.Invalid
}

// Level returns the last averaged echo width in microseconds.
func (m *Machine) Level() uint16 {
	return m.level
}

// MeasureLevel pulses the ultrasonic trigger. The echo arrives as edges on
// PinEcho.
func (m *Machine) MeasureLevel() {
	m.pins.Set(PinTrigger, false)
	m.pins.Set(PinTrigger, true)
}

// HandleEdge reacts to an input line change.
func (m *Machine) HandleEdge(e Edge) {
	switch e.Pin {
	case PinWater:
		if e.High == m.water {
			return
		}
		m.water = e.High
		m.report(byte(OpWaterLevel), m.waterStatus())
	case PinGlass:
		if e.High == m.glass {
			return
		}
		m.glass = e.High
		m.report(byte(OpGlass), m.glassStatus())
	case PinEcho:
		m.echo(e)
	}
}

func (m *Machine) echo(e Edge) {
	if e.High {
		m.echoStart = e.At
		m.echoHigh = true
		return
	}
	if !m.echoHigh {
		return
	}
	m.echoHigh = false
	m.widthSum += e.At - m.echoStart
	m.samples++
	if m.samples < m.opts.LevelSamples {
		m.MeasureLevel()
		return
	}

	avg := m.widthSum / time.Duration(m.samples)
	m.widthSum = 0
	m.samples = 0
	us := avg.Microseconds()
	if us > 0xFFFF {
		us = 0xFFFF
	}
	m.level = uint16(us)
	slog.Debug("[COFFEE] level measured", "echo_us", m.level)
	m.report(byte(OpLevel), byte(m.level), byte(m.level>>8))
}

func (m *Machine) brew(op Opcode, d time.Duration) {
	if m.Brewing() || !m.pins.Get(PinBrew) {
		m.report(byte(op), StatusBusy)
		return
	}
	m.report(byte(op), StatusBrewing)
	m.pins.Set(PinBrew, false)
	m.brewOp = op
	m.brewTid = m.sched.Create(d, m.brewDone)
}

func (m *Machine) brewDone(id timer.ID) {
	if id != m.brewTid {
		return
	}
	m.brewTid = timer.Invalid
	m.pins.Set(PinBrew, true)
	slog.Info("[COFFEE] cycle finished", "opcode", m.brewOp)
	m.report(byte(m.brewOp), StatusOK)
}

func (m *Machine) powerStatus() byte {
	if m.pins.Get(PinPower) {
		return StatusOff
	}
	return StatusOn
}

func (m *Machine) waterStatus() byte {
	if m.pins.Get(PinWater) {
		return StatusWaterFull
	}
	return StatusWaterEmpty
}

func (m *Machine) glassStatus() byte {
	if m.pins.Get(PinGlass) {
		return StatusGlassMissing
	}
	return StatusGlassPositioned
}

func (m *Machine) report(data ...byte) {
	m.out.Report(data)
}
