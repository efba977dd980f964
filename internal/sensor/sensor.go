// Package sensor produces beat intervals as raw 32768 Hz tick counts.
package sensor

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// TickHz is the sensor's counter frequency.
const TickHz = 32768

// Options configures the simulated heart.
type Options struct {
	BPM    int // mean rate
	Jitter int // max deviation in beats per minute
}

// DefaultOptions returns a resting adult.
func DefaultOptions() Options {
	return Options{BPM: 78, Jitter: 16}
}

// Simulator emits beat intervals around a mean rate.
type Simulator struct {
	opts Options
	rnd  *rand.Rand
}

// NewSimulator creates a Simulator. A nil rnd seeds from the runtime.
func NewSimulator(opts Options, rnd *rand.Rand) *Simulator {
	if opts.BPM <= 0 {
		opts.BPM = DefaultOptions().BPM
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Jitter >= opts.BPM {
		opts.Jitter = opts.BPM - 1
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{opts: opts, rnd: rnd}
}

// Next returns the next interval as raw ticks and as a duration.
func (s *Simulator) Next() (raw uint32, interval time.Duration) {
	bpm := s.opts.BPM
	if s.opts.Jitter > 0 {
		bpm += s.rnd.IntN(2*s.opts.Jitter+1) - s.opts.Jitter
	}
	raw = uint32(TickHz * 60 / bpm)
	interval = time.Duration(raw) * time.Second / TickHz
	return raw, interval
}

// Run waits out each interval and then emits it, until ctx is done.
func (s *Simulator) Run(ctx context.Context, emit func(raw uint32)) error {
	slog.Info("[SENSOR] simulating", "bpm", s.opts.BPM, "jitter", s.opts.Jitter)
	for {
		raw, d := s.Next()
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			emit(raw)
		}
	}
}
