package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mingzhe93/screen-reader-tts/internal/config"
)

// CreateOptions bundles everything backend construction needs beyond the
// engine configuration.
type CreateOptions struct {
	Config config.EngineConfig
	// KyutaiMirrorDir is the local mirror of the Kyutai model, when cached.
	KyutaiMirrorDir string
	// QwenModelSource is the resolved model source (local snapshot or repo id).
	QwenModelSource string
	// PromptPath maps a cloned voice id to its prompt artifact path.
	PromptPath func(voiceID string) string
	Log        *slog.Logger
}

// Create builds the backend named by the configuration. The auto
// selector tries kyutai, then qwen, and finally falls back to the mock
// with a status detail naming both failures.
func Create(ctx context.Context, opts CreateOptions) (Synthesizer, error) {
	cfg := opts.Config
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	switch cfg.SynthBackend {
	case config.BackendMock:
		return NewMock(), nil
	case config.BackendKyutai:
		return newKyutaiFromConfig(opts)
	case config.BackendQwen:
		return newQwenFromConfig(ctx, opts)
	case config.BackendAuto:
		var failures []string

		s, err := newKyutaiFromConfig(opts)
		if err == nil {
			return s, nil
		}
		failures = append(failures, fmt.Sprintf("kyutai backend: %v", err))
		log.Info("auto backend: kyutai unavailable", "error", err)

		s, err = newQwenFromConfig(ctx, opts)
		if err == nil {
			return s, nil
		}
		failures = append(failures, fmt.Sprintf("qwen backend: %v", err))
		log.Info("auto backend: qwen unavailable", "error", err)

		detail := "Fell back from auto backends: " + strings.Join(failures, " | ")
		log.Warn("auto backend: using mock", "detail", detail)
		return &mockSynthesizer{detail: detail}, nil
	default:
		return nil, fmt.Errorf("unknown synthesis backend %q", cfg.SynthBackend)
	}
}

func newKyutaiFromConfig(opts CreateOptions) (Synthesizer, error) {
	cfg := opts.Config
	return NewKyutai(KyutaiOptions{
		CLIPath:            cfg.Kyutai.CLIPath,
		ModelSource:        cfg.Kyutai.ModelName,
		MirrorDir:          opts.KyutaiMirrorDir,
		DefaultVoicePrompt: cfg.Kyutai.VoicePrompt,
		PromptPath:         opts.PromptPath,
		Quiet:              true,
		Log:                opts.Log,
	})
}

func newQwenFromConfig(ctx context.Context, opts CreateOptions) (Synthesizer, error) {
	cfg := opts.Config
	source := opts.QwenModelSource
	if source == "" {
		source = cfg.Qwen.ModelName
	}
	return NewQwen(ctx, QwenOptions{
		CLIPath:            cfg.Qwen.CLIPath,
		ModelSource:        source,
		DeviceMap:          cfg.Qwen.DeviceMap,
		Dtype:              cfg.Qwen.Dtype,
		AttnImplementation: cfg.Qwen.AttnImplementation,
		DefaultSpeaker:     cfg.Qwen.DefaultSpeaker,
		Log:                opts.Log,
	})
}
