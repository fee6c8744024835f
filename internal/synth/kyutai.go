package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	pockettts "github.com/cwbudde/go-call-pocket-tts"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
	"github.com/mingzhe93/screen-reader-tts/internal/voiceprompt"
)

// kyutaiKnownVariant is the pocket-tts model config variant used when no
// config file is present in the local mirror.
const kyutaiKnownVariant = "b6369a24"

// KyutaiOptions configures the pocket-tts subprocess backend.
type KyutaiOptions struct {
	// CLIPath is the pocket-tts executable. Empty means "pocket-tts" on PATH.
	CLIPath string
	// ModelSource is the model repo id or a local mirror directory.
	ModelSource string
	// MirrorDir is the local mirror directory when the model is cached.
	MirrorDir string
	// DefaultVoicePrompt is a prompt name or .safetensors path for voice "0".
	DefaultVoicePrompt string
	// PromptPath maps a cloned voice id to its prompt artifact path.
	PromptPath func(voiceID string) string
	Quiet      bool
	Log        *slog.Logger
}

type kyutaiSynthesizer struct {
	opts          KyutaiOptions
	exe           string
	configArg     string
	defaultPrompt string
	log           *slog.Logger

	mu      sync.Mutex
	prompts map[string]string
}

// NewKyutai builds the pocket-tts backend. Construction probes the
// executable so a missing CLI fails fast instead of at first synthesis.
func NewKyutai(opts KyutaiOptions) (Synthesizer, error) {
	exe := opts.CLIPath
	if exe == "" {
		exe = "pocket-tts"
	}
	if _, err := exec.LookPath(exe); err != nil {
		return nil, fmt.Errorf("pocket-tts executable %q not found: %w", exe, err)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	s := &kyutaiSynthesizer{
		opts:    opts,
		exe:     exe,
		log:     log,
		prompts: make(map[string]string),
	}
	s.configArg = resolveKyutaiConfig(opts.MirrorDir)
	s.defaultPrompt = resolveDefaultPrompt(opts.DefaultVoicePrompt, opts.MirrorDir)
	return s, nil
}

// resolveKyutaiConfig returns the --config argument: the first *.yaml in
// the local mirror, else the known variant id.
func resolveKyutaiConfig(mirrorDir string) string {
	if mirrorDir != "" {
		matches, err := filepath.Glob(filepath.Join(mirrorDir, "*.yaml"))
		if err == nil && len(matches) > 0 {
			return matches[0]
		}
	}
	return kyutaiKnownVariant
}

// resolveDefaultPrompt resolves the built-in voice prompt: a direct
// .safetensors path, else <mirror>/embeddings/<name>.safetensors, else
// empty so the CLI uses its own default voice.
func resolveDefaultPrompt(prompt, mirrorDir string) string {
	if prompt == "" {
		return ""
	}
	if strings.HasSuffix(prompt, ".safetensors") {
		if _, err := os.Stat(prompt); err == nil {
			return prompt
		}
	}
	if mirrorDir != "" {
		candidate := filepath.Join(mirrorDir, "embeddings", prompt+".safetensors")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return prompt
}

func (s *kyutaiSynthesizer) SupportsVoiceID(voiceID string) bool {
	if voiceID == "0" {
		return true
	}
	if _, err := s.promptFor(voiceID); err != nil {
		return false
	}
	return true
}

// promptFor resolves and caches the prompt artifact for a cloned voice.
func (s *kyutaiSynthesizer) promptFor(voiceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prompts[voiceID]; ok {
		return p, nil
	}
	if s.opts.PromptPath == nil {
		return "", fmt.Errorf("no prompt resolver configured")
	}
	path := s.opts.PromptPath(voiceID)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no prompt artifact for voice %s: %w", voiceID, err)
	}
	s.prompts[voiceID] = path
	return path, nil
}

func (s *kyutaiSynthesizer) PrepareClonedVoice(ctx context.Context, voiceID, referenceAudioPath string) error {
	if s.opts.PromptPath == nil {
		return fmt.Errorf("no prompt resolver configured")
	}
	out := s.opts.PromptPath(voiceID)

	exportCfg := ""
	if strings.HasSuffix(s.configArg, ".yaml") {
		exportCfg = s.configArg
	}
	err := pockettts.ExportVoice(ctx, referenceAudioPath, out, &pockettts.ExportVoiceOptions{
		Config:         exportCfg,
		Quiet:          s.opts.Quiet,
		ExecutablePath: s.opts.CLIPath,
		LogWriter:      io.Discard,
	})
	if err != nil {
		var notFound *pockettts.ErrExecutableNotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("pocket-tts CLI unavailable for voice export: %w", err)
		}
		return fmt.Errorf("exporting voice prompt: %w", err)
	}

	if err := voiceprompt.Validate(out); err != nil {
		os.Remove(out)
		return fmt.Errorf("exported prompt artifact is invalid: %w", err)
	}

	s.mu.Lock()
	s.prompts[voiceID] = out
	s.mu.Unlock()
	return nil
}

func (s *kyutaiSynthesizer) ForgetVoice(voiceID string) {
	s.mu.Lock()
	delete(s.prompts, voiceID)
	s.mu.Unlock()
}

func (s *kyutaiSynthesizer) SynthesizeChunk(ctx context.Context, text, voiceID, language string) (audio.PCM16, error) {
	voicePath := s.defaultPrompt
	if voiceID != "0" {
		p, err := s.promptFor(voiceID)
		if err != nil {
			return audio.PCM16{}, err
		}
		voicePath = p
	}

	args := []string{"generate", "--text", "-", "--output-path", "-"}
	if voicePath != "" {
		args = append(args, "--voice", voicePath)
	}
	if s.configArg != "" {
		args = append(args, "--config", s.configArg)
	}
	if s.opts.Quiet {
		args = append(args, "--quiet")
	}

	cmd := exec.CommandContext(ctx, s.exe, args...)
	cmd.Stdin = strings.NewReader(text)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.PCM16{}, ctxErr
		}
		return audio.PCM16{}, fmt.Errorf("pocket-tts generate: %w", err)
	}

	pcm, err := audio.DecodeWAV(out.Bytes())
	if err != nil {
		return audio.PCM16{}, fmt.Errorf("decoding pocket-tts output: %w", err)
	}
	return pcm, nil
}

func (s *kyutaiSynthesizer) Warmup(ctx context.Context, text, language string) error {
	_, err := s.SynthesizeChunk(ctx, text, "0", language)
	return err
}

func (s *kyutaiSynthesizer) Status() Status {
	return Status{
		Backend:              BackendNameKyutai,
		ModelSource:          s.opts.ModelSource,
		ModelLoaded:          true,
		SupportsVoiceClone:   true,
		SupportsDefaultVoice: true,
		SupportsClonedVoices: true,
	}
}
