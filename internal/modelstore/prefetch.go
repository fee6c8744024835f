package modelstore

import "fmt"

// Pinned model repos the engine knows how to prefetch.
const (
	RepoQwenCustomVoice = "Qwen/Qwen3-TTS-12Hz-0.6B-CustomVoice"
	RepoQwenBase        = "Qwen/Qwen3-TTS-12Hz-0.6B-Base"
	RepoKyutaiPocketTTS = "Verylicious/pocket-tts-ungated"
)

// ResolvePrefetchRepos maps a prefetch mode to the repo list it covers.
// The empty mode prefetches both Qwen variants.
func ResolvePrefetchRepos(mode string) ([]string, error) {
	switch mode {
	case "", "qwen_all":
		return []string{RepoQwenCustomVoice, RepoQwenBase}, nil
	case "qwen_custom":
		return []string{RepoQwenCustomVoice}, nil
	case "qwen_base":
		return []string{RepoQwenBase}, nil
	case "kyutai":
		return []string{RepoKyutaiPocketTTS}, nil
	case "all":
		return []string{RepoQwenCustomVoice, RepoQwenBase, RepoKyutaiPocketTTS}, nil
	default:
		return nil, fmt.Errorf("unknown prefetch mode %q", mode)
	}
}
