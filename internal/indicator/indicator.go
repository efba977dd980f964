// Package indicator plays the device's audible acknowledgements. A Buzzer
// renders beep patterns on the default playback device; Log only records
// them.
package indicator

import (
	"log/slog"
	"math"
	"time"

	"github.com/chaz8081/brewbeat/internal/app"
)

// Options configures tone synthesis.
type Options struct {
	SampleRate  uint32
	FrequencyHz float64
	Volume      float32 // 0..1

	// Sounds maps a signal name ("short", "long", "twice", "thrice") to a
	// wav file played instead of the synthesized pattern.
	Sounds map[string]string
}

// DefaultOptions returns a piezo-like 2.7 kHz tone at 44.1 kHz.
func DefaultOptions() Options {
	return Options{
		SampleRate:  44100,
		FrequencyHz: 2700,
		Volume:      0.4,
	}
}

const (
	shortBeep = 100 * time.Millisecond
	longBeep  = 600 * time.Millisecond
	beepGap   = 100 * time.Millisecond
)

// beep is one tone followed by silence.
type beep struct {
	on, off time.Duration
}

// pattern returns the beeps that make up s.
func pattern(s app.Signal) []beep {
	switch s {
	case app.SignalLong:
		return []beep{{longBeep, 0}}
	case app.SignalTwice:
		return []beep{{shortBeep, beepGap}, {shortBeep, 0}}
	case app.SignalThrice:
		return []beep{{shortBeep, beepGap}, {shortBeep, beepGap}, {shortBeep, 0}}
	default:
		return []beep{{shortBeep, 0}}
	}
}

// Synthesize renders s as mono float32 samples.
func Synthesize(s app.Signal, opts Options) []float32 {
	rate := float64(opts.SampleRate)
	var out []float32
	for _, b := range pattern(s) {
		on := int(b.on.Seconds() * rate)
		for i := 0; i < on; i++ {
			v := math.Sin(2 * math.Pi * opts.FrequencyHz * float64(i) / rate)
			out = append(out, float32(v)*opts.Volume)
		}
		out = append(out, make([]float32, int(b.off.Seconds()*rate))...)
	}
	return out
}

// Log is an indicator without audio output.
type Log struct{}

func (Log) Signal(s app.Signal) {
	slog.Info("[BEEP] signal", "pattern", s)
}

var _ app.Indicator = Log{}
