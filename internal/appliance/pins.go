package appliance

import "time"

// Pin names a digital line of the coffee machine interface.
type Pin int

const (
	// PinBrew starts a brew cycle when driven low and reads low while one runs.
	PinBrew Pin = iota
	// PinPower switches the machine; low is on.
	PinPower
	// PinWater reads high while the reservoir is full.
	PinWater
	// PinGlass reads high while no glass is under the spout.
	PinGlass
	// PinTrigger starts an ultrasonic level measurement on its rising edge.
	PinTrigger
	// PinEcho is high for as long as the ultrasonic echo takes to return.
	PinEcho
)

func (p Pin) String() string {
	switch p {
	case PinBrew:
		return "brew"
	case PinPower:
		return "power"
	case PinWater:
		return "water"
	case PinGlass:
		return "glass"
	case PinTrigger:
		return "trigger"
	case PinEcho:
		return "echo"
	default:
		return "unknown"
	}
}

// Pins reads and drives the machine's lines.
type Pins interface {
	Get(p Pin) bool
	Set(p Pin, high bool)
}

// Edge is a level change on an input line.
type Edge struct {
	Pin  Pin
	High bool
	At   time.Duration
}

// SimPins is an in-memory machine. Outputs latch, inputs are changed with
// Drive, and a rising trigger answers with an echo pulse of EchoWidth.
type SimPins struct {
	levels map[Pin]bool
	now    time.Duration
	emit   func(Edge)

	// EchoWidth is the simulated echo pulse width.
	EchoWidth time.Duration
}

// NewSimPins creates an idle machine that is off, full, with no glass.
// Input edges are passed to emit.
func NewSimPins(emit func(Edge)) *SimPins {
	if emit == nil {
		emit = func(Edge) {}
	}
	return &SimPins{
		levels: map[Pin]bool{
			PinBrew:    true,
			PinPower:   true,
			PinWater:   true,
			PinGlass:   true,
			PinTrigger: true,
		},
		emit:      emit,
		EchoWidth: 1200 * time.Microsecond,
	}
}

func (s *SimPins) Get(p Pin) bool {
	return s.levels[p]
}

func (s *SimPins) Set(p Pin, high bool) {
	prev := s.levels[p]
	s.levels[p] = high
	if p == PinTrigger && high && !prev {
		s.now += 10 * time.Millisecond
		s.emit(Edge{Pin: PinEcho, High: true, At: s.now})
		s.now += s.EchoWidth
		s.emit(Edge{Pin: PinEcho, High: false, At: s.now})
	}
}

// Drive changes an input line and emits the edge if the level changed.
func (s *SimPins) Drive(p Pin, high bool) {
	if s.levels[p] == high {
		return
	}
	s.levels[p] = high
	s.now += time.Millisecond
	s.emit(Edge{Pin: p, High: high, At: s.now})
}

var _ Pins = (*SimPins)(nil)
