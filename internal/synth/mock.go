package synth

import (
	"context"
	"math"
	"unicode/utf8"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
)

// Mock synthesis shape: a 220 Hz tone at 24 kHz whose duration scales
// with text length.
const (
	mockSampleRate  = 24000
	mockFrequency   = 220.0
	mockAmplitude   = 0.18
	mockMinDuration = 0.18
	mockMaxDuration = 1.2
	mockCharsPerSec = 90.0
)

// mockSynthesizer renders deterministic sine tones. It accepts every
// voice id and never fails, which makes it the terminal fallback for the
// auto backend chain and the workhorse for tests.
type mockSynthesizer struct {
	detail string
}

// NewMock returns the mock backend.
func NewMock() Synthesizer {
	return &mockSynthesizer{}
}

func (m *mockSynthesizer) SupportsVoiceID(string) bool { return true }

func (m *mockSynthesizer) PrepareClonedVoice(context.Context, string, string) error { return nil }

func (m *mockSynthesizer) ForgetVoice(string) {}

func (m *mockSynthesizer) SynthesizeChunk(ctx context.Context, text, voiceID, language string) (audio.PCM16, error) {
	if err := ctx.Err(); err != nil {
		return audio.PCM16{}, err
	}

	duration := float64(utf8.RuneCountInString(text)) / mockCharsPerSec
	if duration < mockMinDuration {
		duration = mockMinDuration
	} else if duration > mockMaxDuration {
		duration = mockMaxDuration
	}

	frames := int(duration * mockSampleRate)
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = mockAmplitude * float32(math.Sin(2*math.Pi*mockFrequency*float64(i)/mockSampleRate))
	}
	return audio.FromFloat32(samples, mockSampleRate, audio.DefaultChannels), nil
}

func (m *mockSynthesizer) Warmup(ctx context.Context, text, language string) error {
	_, err := m.SynthesizeChunk(ctx, text, "0", language)
	return err
}

func (m *mockSynthesizer) Status() Status {
	return Status{
		Backend:              BackendNameMock,
		ModelSource:          "builtin",
		ModelLoaded:          true,
		FallbackActive:       m.detail != "",
		Detail:               m.detail,
		SupportsVoiceClone:   true,
		SupportsDefaultVoice: true,
		SupportsClonedVoices: true,
	}
}
