package synth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
)

// QwenOptions configures the Qwen TTS bridge backend. The bridge is a
// separate executable that loads the model and exposes two subcommands:
// `probe` (load the model, exit 0) and `generate` (text on stdin, WAV on
// stdout).
type QwenOptions struct {
	// CLIPath is the bridge executable. Required.
	CLIPath string
	// ModelSource is the repo id or local snapshot directory to load.
	ModelSource string
	DeviceMap   string
	Dtype       string
	// AttnImplementation is tried first; a probe failure retries once
	// with sdpa.
	AttnImplementation string
	DefaultSpeaker     string
	Log                *slog.Logger
}

type qwenSynthesizer struct {
	opts   QwenOptions
	attn   string
	detail string
	log    *slog.Logger
}

// NewQwen builds the Qwen bridge backend, probing model load up front.
func NewQwen(ctx context.Context, opts QwenOptions) (Synthesizer, error) {
	if opts.CLIPath == "" {
		return nil, fmt.Errorf("qwen bridge executable not configured")
	}
	if _, err := exec.LookPath(opts.CLIPath); err != nil {
		return nil, fmt.Errorf("qwen bridge executable %q not found: %w", opts.CLIPath, err)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	s := &qwenSynthesizer{opts: opts, attn: opts.AttnImplementation, log: log}

	if err := s.probe(ctx, s.attn); err != nil {
		if s.attn == "flash_attention_2" {
			retryErr := s.probe(ctx, "sdpa")
			if retryErr != nil {
				return nil, fmt.Errorf("qwen model probe failed: %w", err)
			}
			s.attn = "sdpa"
			s.detail = fmt.Sprintf("flash_attention_2 unavailable, using sdpa: %v", err)
			log.Warn("qwen attention fallback", "error", err)
		} else {
			return nil, fmt.Errorf("qwen model probe failed: %w", err)
		}
	}
	return s, nil
}

func (s *qwenSynthesizer) modelArgs(attn string) []string {
	return []string{
		"--model", s.opts.ModelSource,
		"--device-map", s.opts.DeviceMap,
		"--dtype", s.opts.Dtype,
		"--attn-implementation", attn,
	}
}

func (s *qwenSynthesizer) probe(ctx context.Context, attn string) error {
	args := append([]string{"probe"}, s.modelArgs(attn)...)
	cmd := exec.CommandContext(ctx, s.opts.CLIPath, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// SupportsVoiceID: the custom-voice model ships a single built-in speaker.
func (s *qwenSynthesizer) SupportsVoiceID(voiceID string) bool {
	return voiceID == "0"
}

func (s *qwenSynthesizer) PrepareClonedVoice(context.Context, string, string) error {
	return fmt.Errorf("the qwen backend does not support voice cloning")
}

func (s *qwenSynthesizer) ForgetVoice(string) {}

func (s *qwenSynthesizer) SynthesizeChunk(ctx context.Context, text, voiceID, language string) (audio.PCM16, error) {
	if voiceID != "0" {
		return audio.PCM16{}, fmt.Errorf("qwen backend only supports the default voice, got %q", voiceID)
	}

	args := append([]string{"generate"}, s.modelArgs(s.attn)...)
	args = append(args,
		"--speaker", s.opts.DefaultSpeaker,
		"--language", resolveQwenLanguage(language),
		"--text", "-",
		"--output", "-",
	)

	cmd := exec.CommandContext(ctx, s.opts.CLIPath, args...)
	cmd.Stdin = strings.NewReader(text)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.PCM16{}, ctxErr
		}
		return audio.PCM16{}, fmt.Errorf("qwen generate: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	pcm, err := audio.DecodeWAV(out.Bytes())
	if err != nil {
		return audio.PCM16{}, fmt.Errorf("decoding qwen output: %w", err)
	}
	return pcm, nil
}

func (s *qwenSynthesizer) Warmup(ctx context.Context, text, language string) error {
	_, err := s.SynthesizeChunk(ctx, text, "0", language)
	return err
}

func (s *qwenSynthesizer) Status() Status {
	return Status{
		Backend:              BackendNameQwen,
		ModelSource:          s.opts.ModelSource,
		ModelLoaded:          true,
		Detail:               s.detail,
		SupportsDefaultVoice: true,
	}
}
