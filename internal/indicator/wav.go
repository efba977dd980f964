package indicator

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// LoadWav decodes a PCM wav file into mono float32 samples at rate. Extra
// channels are dropped and the sample rate is converted by nearest
// neighbour.
func LoadWav(path string, rate uint32) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("indicator: open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("indicator: %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("indicator: decode wav: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int(1) << (depth - 1))

	mono := make([]float32, len(buf.Data)/channels)
	for i := range mono {
		mono[i] = float32(buf.Data[i*channels]) / scale
	}
	return resample(mono, uint32(buf.Format.SampleRate), rate), nil
}

func resample(in []float32, from, to uint32) []float32 {
	if from == 0 || from == to || len(in) == 0 {
		return in
	}
	n := int(uint64(len(in)) * uint64(to) / uint64(from))
	out := make([]float32, n)
	for i := range out {
		out[i] = in[uint64(i)*uint64(from)/uint64(to)]
	}
	return out
}
