// Package synth defines the synthesis backend contract and its three
// implementations: the deterministic mock, the Qwen custom-voice bridge,
// and the Kyutai pocket-tts subprocess backend.
package synth

import (
	"context"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
)

// Backend names reported by Status and used in health responses.
const (
	BackendNameMock   = "mock"
	BackendNameQwen   = "qwen_custom_voice"
	BackendNameKyutai = "kyutai_pocket_tts"
)

// Status describes the loaded backend and its capabilities.
type Status struct {
	Backend        string
	ModelSource    string
	ModelLoaded    bool
	FallbackActive bool
	Detail         string

	SupportsVoiceClone   bool
	SupportsDefaultVoice bool
	SupportsClonedVoices bool
}

// Synthesizer is the contract every backend satisfies. Implementations
// must be safe for use from a single job worker goroutine plus the
// engine's control-plane goroutines.
type Synthesizer interface {
	// SupportsVoiceID reports whether the backend can speak with the
	// given voice without preparation.
	SupportsVoiceID(voiceID string) bool

	// PrepareClonedVoice builds the backend artifact for a cloned voice
	// from a reference audio file on disk.
	PrepareClonedVoice(ctx context.Context, voiceID, referenceAudioPath string) error

	// ForgetVoice drops any cached artifact for the voice.
	ForgetVoice(voiceID string)

	// SynthesizeChunk renders one text chunk to PCM.
	SynthesizeChunk(ctx context.Context, text, voiceID, language string) (audio.PCM16, error)

	// Warmup runs a throwaway synthesis to page in model state.
	Warmup(ctx context.Context, text, language string) error

	Status() Status
}
