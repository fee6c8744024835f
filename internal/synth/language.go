package synth

import "strings"

// qwenLanguageNames maps ISO 639-1 codes to the capitalized names the
// Qwen TTS models expect.
var qwenLanguageNames = map[string]string{
	"en": "English",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
}

// resolveQwenLanguage maps a language hint to a Qwen language name.
// Empty and "auto" become Auto; unknown values pass through unchanged so
// callers can name languages the map does not list.
func resolveQwenLanguage(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" || h == "auto" {
		return "Auto"
	}
	if name, ok := qwenLanguageNames[h]; ok {
		return name
	}
	return hint
}
