package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Engine identity and token resolution defaults.
const (
	EngineVersion   = "0.1.0"
	DefaultTokenEnv = "SPEAK_SELECTION_ENGINE_TOKEN"
	DefaultModelID  = "qwen3-tts-12hz-0.6b-base"
)

type EngineConfig struct {
	Host            string       `mapstructure:"host"`
	Port            int          `mapstructure:"port"`
	Token           string       `mapstructure:"token"`
	DataDir         string       `mapstructure:"data_dir"`
	ActiveModelID   string       `mapstructure:"active_model_id"`
	SynthBackend    string       `mapstructure:"synth_backend"`
	WarmupOnStartup bool         `mapstructure:"warmup_on_startup"`
	WarmupText      string       `mapstructure:"warmup_text"`
	WarmupLanguage  string       `mapstructure:"warmup_language"`
	LogLevel        string       `mapstructure:"log_level"`
	Qwen            QwenConfig   `mapstructure:"qwen"`
	Kyutai          KyutaiConfig `mapstructure:"kyutai"`
}

type QwenConfig struct {
	CLIPath            string `mapstructure:"cli_path"`
	ModelName          string `mapstructure:"model"`
	DeviceMap          string `mapstructure:"device_map"`
	Dtype              string `mapstructure:"dtype"`
	AttnImplementation string `mapstructure:"attn_implementation"`
	DefaultSpeaker     string `mapstructure:"speaker"`
}

type KyutaiConfig struct {
	CLIPath     string `mapstructure:"cli_path"`
	ModelName   string `mapstructure:"model"`
	VoicePrompt string `mapstructure:"voice_prompt"`
	SampleRate  int    `mapstructure:"sample_rate"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   EngineConfig
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() EngineConfig {
	return EngineConfig{
		Host:            "127.0.0.1",
		Port:            8765,
		DataDir:         defaultDataDir(),
		ActiveModelID:   DefaultModelID,
		SynthBackend:    BackendAuto,
		WarmupOnStartup: true,
		WarmupText:      "Warmup.",
		WarmupLanguage:  "en",
		LogLevel:        "info",
		Qwen: QwenConfig{
			ModelName:          "Qwen/Qwen3-TTS-12Hz-0.6B-CustomVoice",
			DeviceMap:          "cuda:0",
			Dtype:              "bfloat16",
			AttnImplementation: "flash_attention_2",
			DefaultSpeaker:     "Ryan",
		},
		Kyutai: KyutaiConfig{
			ModelName:  "Verylicious/pocket-tts-ungated",
			SampleRate: 24000,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voicereader"
	}
	return filepath.Join(home, ".voicereader")
}

func RegisterFlags(fs *pflag.FlagSet, defaults EngineConfig) {
	fs.String("host", defaults.Host, "Bind address (loopback only)")
	fs.Int("port", defaults.Port, "HTTP listen port")
	fs.String("data-dir", defaults.DataDir, "Engine data directory")
	fs.String("synth-backend", defaults.SynthBackend, "Synthesis backend (auto, qwen, kyutai, mock)")
	fs.Bool("warmup-on-startup", defaults.WarmupOnStartup, "Trigger a warmup pass after startup")
	fs.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	fs.String("qwen-cli-path", defaults.Qwen.CLIPath, "Path to the Qwen TTS bridge executable")
	fs.String("qwen-model", defaults.Qwen.ModelName, "Qwen TTS model repo id")
	fs.String("kyutai-cli-path", defaults.Kyutai.CLIPath, "Path to the pocket-tts executable")
	fs.String("kyutai-model", defaults.Kyutai.ModelName, "Kyutai model repo id or local mirror")
	fs.String("kyutai-voice-prompt", defaults.Kyutai.VoicePrompt, "Default voice prompt name or .safetensors path")
}

func Load(opts LoadOptions) (EngineConfig, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return EngineConfig{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("VOICEREADER")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return EngineConfig{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("voicereader")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return EngineConfig{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("decode config: %w", err)
	}

	normalized, err := NormalizeBackend(cfg.SynthBackend)
	if err != nil {
		return EngineConfig{}, err
	}
	cfg.SynthBackend = normalized

	return cfg, nil
}

func setDefaults(v *viper.Viper, c EngineConfig) {
	v.SetDefault("host", c.Host)
	v.SetDefault("port", c.Port)
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("active_model_id", c.ActiveModelID)
	v.SetDefault("synth_backend", c.SynthBackend)
	v.SetDefault("warmup_on_startup", c.WarmupOnStartup)
	v.SetDefault("warmup_text", c.WarmupText)
	v.SetDefault("warmup_language", c.WarmupLanguage)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("qwen.cli_path", c.Qwen.CLIPath)
	v.SetDefault("qwen.model", c.Qwen.ModelName)
	v.SetDefault("qwen.device_map", c.Qwen.DeviceMap)
	v.SetDefault("qwen.dtype", c.Qwen.Dtype)
	v.SetDefault("qwen.attn_implementation", c.Qwen.AttnImplementation)
	v.SetDefault("qwen.speaker", c.Qwen.DefaultSpeaker)
	v.SetDefault("kyutai.cli_path", c.Kyutai.CLIPath)
	v.SetDefault("kyutai.model", c.Kyutai.ModelName)
	v.SetDefault("kyutai.voice_prompt", c.Kyutai.VoicePrompt)
	v.SetDefault("kyutai.sample_rate", c.Kyutai.SampleRate)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("data_dir", "data-dir")
	v.RegisterAlias("synth_backend", "synth-backend")
	v.RegisterAlias("warmup_on_startup", "warmup-on-startup")
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("qwen.cli_path", "qwen-cli-path")
	v.RegisterAlias("qwen.model", "qwen-model")
	v.RegisterAlias("kyutai.cli_path", "kyutai-cli-path")
	v.RegisterAlias("kyutai.model", "kyutai-model")
	v.RegisterAlias("kyutai.voice_prompt", "kyutai-voice-prompt")
}

// ResolveToken returns the first non-empty token among the explicit value
// and the named environment variable.
func ResolveToken(explicit, tokenEnv string) string {
	if explicit != "" {
		return explicit
	}
	if tokenEnv == "" {
		tokenEnv = DefaultTokenEnv
	}
	return strings.TrimSpace(os.Getenv(tokenEnv))
}
