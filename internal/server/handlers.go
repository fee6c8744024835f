package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
	"github.com/mingzhe93/screen-reader-tts/internal/config"
	"github.com/mingzhe93/screen-reader-tts/internal/engine"
	"github.com/mingzhe93/screen-reader-tts/internal/voices"
)

// Playback setting bounds.
const (
	minRate     = 0.25
	maxRate     = 4.0
	minPitch    = 0.5
	maxPitch    = 2.0
	minVolume   = 0.0
	maxVolume   = 2.0
	minMaxChars = 100
	maxMaxChars = 2000
	defMaxChars = 400
)

// voiceIDField accepts a string voice id or the bare integer 0 (older
// clients send the default voice as a number).
type voiceIDField string

func (v *voiceIDField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = voiceIDField(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		if n != 0 {
			return fmt.Errorf("numeric voice_id must be 0, got %d", n)
		}
		*v = "0"
		return nil
	}
	return fmt.Errorf("voice_id must be a string")
}

// normalizeVoiceID resolves the request voice id: empty means default,
// anything else must be "0" or a UUID.
func normalizeVoiceID(raw string) (string, error) {
	if raw == "" || raw == voices.DefaultID {
		return voices.DefaultID, nil
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", &engine.Error{
			Code:    engine.CodeVoiceNotFound,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("voice %q not found", raw),
		}
	}
	return raw, nil
}

type chunkingRequest struct {
	MaxChars *int `json:"max_chars"`
}

// settingsRequest is the nested playback block of a speak request.
type settingsRequest struct {
	Rate     *float64         `json:"rate"`
	Pitch    *float64         `json:"pitch"`
	Volume   *float64         `json:"volume"`
	Chunking *chunkingRequest `json:"chunking"`
}

type speakRequest struct {
	Text     string           `json:"text"`
	VoiceID  voiceIDField     `json:"voice_id"`
	Language string           `json:"language"`
	Settings *settingsRequest `json:"settings"`
}

func boundsErr(field string, lo, hi float64) error {
	return &engine.Error{
		Code:    engine.CodeInvalidRequest,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("%s must be between %g and %g", field, lo, hi),
	}
}

// settings validates the nested playback block and fills defaults.
func (req *speakRequest) settings() (audio.Settings, int, error) {
	s := audio.DefaultSettings()
	maxChars := defMaxChars
	block := req.Settings
	if block == nil {
		return s, maxChars, nil
	}
	if block.Rate != nil {
		if *block.Rate < minRate || *block.Rate > maxRate {
			return s, 0, boundsErr("settings.rate", minRate, maxRate)
		}
		s.Rate = *block.Rate
	}
	if block.Pitch != nil {
		if *block.Pitch < minPitch || *block.Pitch > maxPitch {
			return s, 0, boundsErr("settings.pitch", minPitch, maxPitch)
		}
		s.Pitch = *block.Pitch
	}
	if block.Volume != nil {
		if *block.Volume < minVolume || *block.Volume > maxVolume {
			return s, 0, boundsErr("settings.volume", minVolume, maxVolume)
		}
		s.Volume = *block.Volume
	}
	if block.Chunking != nil && block.Chunking.MaxChars != nil {
		mc := *block.Chunking.MaxChars
		if mc < minMaxChars || mc > maxMaxChars {
			return s, 0, boundsErr("settings.chunking.max_chars", minMaxChars, maxMaxChars)
		}
		maxChars = mc
	}
	return s, maxChars, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, &engine.Error{
			Code:    engine.CodeInvalidRequest,
			Status:  http.StatusBadRequest,
			Message: "request body is not valid JSON",
			Details: map[string]any{"reason": err.Error()},
		})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Health())
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if !decodeBody(w, r, &req) {
		return
	}

	voiceID, err := normalizeVoiceID(string(req.VoiceID))
	if err != nil {
		writeError(w, err)
		return
	}
	settings, maxChars, err := req.settings()
	if err != nil {
		writeError(w, err)
		return
	}

	jobID, err := s.engine.Speak(engine.SpeakRequest{
		Text:     req.Text,
		VoiceID:  voiceID,
		Language: req.Language,
		Settings: settings,
		MaxChars: maxChars,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID.String(),
		"ws_url": fmt.Sprintf("ws://127.0.0.1:%d/v1/stream/%s", s.port, jobID),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Cancel(req.JobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": req.JobID, "canceled": true})
}

// voiceSummary is the public voice shape; ref_text and description stay
// internal to the store.
type voiceSummary struct {
	VoiceID      string    `json:"voice_id"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	TTSModelID   string    `json:"tts_model_id"`
	LanguageHint string    `json:"language_hint"`
}

func summarize(rec voices.Record) voiceSummary {
	return voiceSummary{
		VoiceID:      rec.VoiceID,
		DisplayName:  rec.DisplayName,
		CreatedAt:    rec.CreatedAt,
		TTSModelID:   rec.TTSModelID,
		LanguageHint: rec.LanguageHint,
	}
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	records := s.engine.Voices()
	summaries := make([]voiceSummary, len(records))
	for i, rec := range records {
		summaries[i] = summarize(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": summaries})
}

func (s *Server) handleCloneVoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
		RefAudio    struct {
			Path      string `json:"path"`
			WavBase64 string `json:"wav_base64"`
		} `json:"ref_audio"`
		RefText     string `json:"ref_text"`
		Language    string `json:"language"`
		Description string `json:"description"`
		Options     struct {
			NormalizeAudio *bool `json:"normalize_audio"`
		} `json:"options"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	normalize := true
	if req.Options.NormalizeAudio != nil {
		normalize = *req.Options.NormalizeAudio
	}

	rec, err := s.engine.CloneVoice(r.Context(), engine.CloneRequest{
		DisplayName:        req.DisplayName,
		Language:           req.Language,
		Description:        req.Description,
		RefText:            req.RefText,
		ReferenceAudioPath: req.RefAudio.Path,
		WavBase64:          req.RefAudio.WavBase64,
		NormalizeAudio:     normalize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(rec))
}

func (s *Server) handleUpdateVoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName *string `json:"display_name"`
		Language    *string `json:"language"`
		Description *string `json:"description"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := s.engine.UpdateVoice(chi.URLParam(r, "voice_id"), voices.Update{
		DisplayName:  req.DisplayName,
		LanguageHint: req.Language,
		Description:  req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(rec))
}

func (s *Server) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteVoice(chi.URLParam(r, "voice_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wait   bool   `json:"wait"`
		Force  bool   `json:"force"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "api_request"
	}

	accepted, state := s.engine.TriggerWarmup(req.Wait, req.Force, reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"warmup":   state,
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SynthBackend           *string `json:"synth_backend"`
		ActiveModelID          *string `json:"active_model_id"`
		QwenModel              *string `json:"qwen_model"`
		QwenDeviceMap          *string `json:"qwen_device_map"`
		QwenDtype              *string `json:"qwen_dtype"`
		QwenAttnImplementation *string `json:"qwen_attn_implementation"`
		QwenSpeaker            *string `json:"qwen_speaker"`
		KyutaiModel            *string `json:"kyutai_model"`
		KyutaiVoicePrompt      *string `json:"kyutai_voice_prompt"`
		WarmupWait             *bool   `json:"warmup_wait"`
		WarmupForce            *bool   `json:"warmup_force"`
		Reason                 string  `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// Both warmup knobs default on: activation is rare and callers want
	// the new model usable when the response lands.
	warmupWait, warmupForce := true, true
	if req.WarmupWait != nil {
		warmupWait = *req.WarmupWait
	}
	if req.WarmupForce != nil {
		warmupForce = *req.WarmupForce
	}

	res, err := s.engine.Activate(r.Context(), engine.ActivateRequest{
		Overlay: config.Overlay{
			SynthBackend:           req.SynthBackend,
			ActiveModelID:          req.ActiveModelID,
			QwenModel:              req.QwenModel,
			QwenDeviceMap:          req.QwenDeviceMap,
			QwenDtype:              req.QwenDtype,
			QwenAttnImplementation: req.QwenAttnImplementation,
			QwenDefaultSpeaker:     req.QwenSpeaker,
			KyutaiModel:            req.KyutaiModel,
			KyutaiVoicePrompt:      req.KyutaiVoicePrompt,
		},
		WarmupWait:  warmupWait,
		WarmupForce: warmupForce,
		Reason:      req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := s.engine.Prefetch(r.Context(), req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"quitting": true})
	s.engine.Quit()
}
