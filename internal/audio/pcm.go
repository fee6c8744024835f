package audio

import "encoding/binary"

// Default output format for all synthesis backends.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
	BitDepth          = 16
)

// PCM16 is a block of signed 16-bit little-endian PCM samples.
type PCM16 struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames in the block.
func (p PCM16) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Data) / 2 / p.Channels
}

// DurationSeconds returns the playback length of the block.
func (p PCM16) DurationSeconds() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(p.Frames()) / float64(p.SampleRate)
}

// FromFloat32 converts float32 samples in [-1, 1] to a PCM16 block,
// clipping out-of-range values.
func FromFloat32(samples []float32, sampleRate, channels int) PCM16 {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(v)))
	}
	return PCM16{Data: data, SampleRate: sampleRate, Channels: channels}
}

// ToFloat32 converts the block to float32 samples scaled to [-1, 1).
func (p PCM16) ToFloat32() []float32 {
	n := len(p.Data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(p.Data[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}
