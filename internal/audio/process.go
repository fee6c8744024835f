package audio

import (
	"log/slog"
	"math"
)

// Settings are the playback adjustments applied to each synthesized chunk.
// Pitch is carried through the request pipeline but not yet applied; no
// backend exposes a pitch control that preserves duration.
type Settings struct {
	Rate   float64
	Pitch  float64
	Volume float64
}

// DefaultSettings leaves the audio untouched.
func DefaultSettings() Settings {
	return Settings{Rate: 1.0, Pitch: 1.0, Volume: 1.0}
}

// Processor applies post-synthesis adjustments. Processing never fails:
// every stage falls back to a cheaper rendition rather than dropping audio.
type Processor struct {
	sox *Sox
	log *slog.Logger
}

// NewProcessor returns a processor using the given sox facade for
// time-stretching. A nil sox disables the subprocess path and stretching
// falls back to linear interpolation.
func NewProcessor(sox *Sox, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{sox: sox, log: log}
}

// Process returns the chunk with rate retiming and volume scaling applied.
// Unit settings return the input unchanged.
func (p *Processor) Process(in PCM16, s Settings) PCM16 {
	out := in
	if s.Rate > 0 && s.Rate != 1.0 {
		out = p.stretch(out, s.Rate)
	}
	if s.Volume >= 0 && s.Volume != 1.0 {
		out = applyVolume(out, s.Volume)
	}
	return out
}

func (p *Processor) stretch(in PCM16, rate float64) PCM16 {
	if p.sox != nil {
		out, err := p.sox.Stretch(in, rate)
		if err == nil {
			return out
		}
		p.log.Warn("sox stretch failed, falling back to interpolation", "error", err)
	}
	return interpolateStretch(in, rate)
}

// interpolateStretch retimes the chunk by linear resampling. It changes
// pitch along with speed, which is acceptable as a degraded fallback.
func interpolateStretch(in PCM16, rate float64) PCM16 {
	samples := in.ToFloat32()
	n := len(samples)
	if n == 0 {
		return in
	}
	outLen := int(math.Round(float64(n) / rate))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * float64(n-1) / float64(maxInt(outLen-1, 1))
		lo := int(pos)
		hi := lo + 1
		if hi >= n {
			hi = n - 1
		}
		frac := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[hi]*frac
	}
	return FromFloat32(out, in.SampleRate, in.Channels)
}

// NormalizePeak scales the block so its peak amplitude reaches target.
// Silent input is returned unchanged.
func NormalizePeak(in PCM16, target float64) PCM16 {
	samples := in.ToFloat32()
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return in
	}
	gain := float32(target) / peak
	for i := range samples {
		samples[i] *= gain
	}
	return FromFloat32(samples, in.SampleRate, in.Channels)
}

func applyVolume(in PCM16, volume float64) PCM16 {
	samples := in.ToFloat32()
	for i, s := range samples {
		samples[i] = s * float32(volume)
	}
	return FromFloat32(samples, in.SampleRate, in.Channels)
}

// TempoFactors decomposes a rate into a chain of sox tempo factors, each
// within sox's stable [0.5, 2.0] range, whose product equals rate.
func TempoFactors(rate float64) []float64 {
	var factors []float64
	remaining := rate
	for remaining > 2.0 {
		factors = append(factors, 2.0)
		remaining /= 2.0
	}
	for remaining < 0.5 {
		factors = append(factors, 0.5)
		remaining /= 0.5
	}
	factors = append(factors, remaining)
	return factors
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
