package indicator

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/brewbeat/internal/app"
)

// Buzzer plays patterns on the default playback device. Signal queues
// samples and returns; the device callback drains the queue.
type Buzzer struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	opts   Options

	sounds map[app.Signal][]float32

	mu    sync.Mutex
	queue []float32
}

// NewBuzzer opens the playback device and loads wav overrides. Call Close
// when done.
func NewBuzzer(opts Options) (*Buzzer, error) {
	def := DefaultOptions()
	if opts.SampleRate == 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.FrequencyHz <= 0 {
		opts.FrequencyHz = def.FrequencyHz
	}
	if opts.Volume <= 0 {
		opts.Volume = def.Volume
	}

	b := &Buzzer{opts: opts, sounds: make(map[app.Signal][]float32)}
	for _, s := range []app.Signal{app.SignalShort, app.SignalLong, app.SignalTwice, app.SignalThrice} {
		path, ok := opts.Sounds[s.String()]
		if !ok || path == "" {
			continue
		}
		samples, err := LoadWav(path, opts.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("indicator: load %s sound: %w", s, err)
		}
		b.sounds[s] = samples
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("indicator: initializing audio context: %w", err)
	}
	b.ctx = ctx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = opts.SampleRate

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: b.onData})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("indicator: initializing playback device: %w", err)
	}
	b.device = device
	if err := device.Start(); err != nil {
		b.Close()
		return nil, fmt.Errorf("indicator: starting playback device: %w", err)
	}
	return b, nil
}

// Signal queues the samples for s.
func (b *Buzzer) Signal(s app.Signal) {
	samples, ok := b.sounds[s]
	if !ok {
		samples = Synthesize(s, b.opts)
	}
	slog.Debug("[BEEP] signal", "pattern", s, "samples", len(samples))

	b.mu.Lock()
	b.queue = append(b.queue, samples...)
	b.mu.Unlock()
}

// Close stops playback and releases the audio context.
func (b *Buzzer) Close() error {
	if b.device != nil {
		b.device.Uninit()
		b.device = nil
	}
	if b.ctx != nil {
		if err := b.ctx.Uninit(); err != nil {
			return fmt.Errorf("indicator: uninitializing audio context: %w", err)
		}
		b.ctx.Free()
		b.ctx = nil
	}
	return nil
}

// onData fills the playback buffer from the queue, padding with silence.
func (b *Buzzer) onData(pOutput, _ []byte, frameCount uint32) {
	b.mu.Lock()
	n := min(int(frameCount), len(b.queue))
	chunk := b.queue[:n]
	b.queue = b.queue[n:]
	b.mu.Unlock()

	putFloat32(pOutput, chunk)
}

// putFloat32 writes samples as little-endian float32 and zeroes the rest of
// dst.
func putFloat32(dst []byte, samples []float32) {
	i := 0
	for _, s := range samples {
		if i+4 > len(dst) {
			break
		}
		binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(s))
		i += 4
	}
	clear(dst[i:])
}

var _ app.Indicator = (*Buzzer)(nil)
