package config

import "strings"

// Overlay is a partial configuration supplied by a model activation
// request. Nil or blank fields keep the current value.
type Overlay struct {
	SynthBackend           *string
	ActiveModelID          *string
	QwenModel              *string
	QwenDeviceMap          *string
	QwenDtype              *string
	QwenAttnImplementation *string
	QwenDefaultSpeaker     *string
	KyutaiModel            *string
	KyutaiVoicePrompt      *string
}

// Apply returns a copy of cfg with every non-blank overlay field applied.
func (o Overlay) Apply(cfg EngineConfig) EngineConfig {
	set := func(dst *string, src *string) {
		if src == nil {
			return
		}
		if v := strings.TrimSpace(*src); v != "" {
			*dst = v
		}
	}
	set(&cfg.SynthBackend, o.SynthBackend)
	set(&cfg.ActiveModelID, o.ActiveModelID)
	set(&cfg.Qwen.ModelName, o.QwenModel)
	set(&cfg.Qwen.DeviceMap, o.QwenDeviceMap)
	set(&cfg.Qwen.Dtype, o.QwenDtype)
	set(&cfg.Qwen.AttnImplementation, o.QwenAttnImplementation)
	set(&cfg.Qwen.DefaultSpeaker, o.QwenDefaultSpeaker)
	set(&cfg.Kyutai.ModelName, o.KyutaiModel)
	set(&cfg.Kyutai.VoicePrompt, o.KyutaiVoicePrompt)
	return cfg
}
