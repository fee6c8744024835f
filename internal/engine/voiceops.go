package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
	"github.com/mingzhe93/screen-reader-tts/internal/voices"
)

// CloneRequest describes a voice clone. Exactly one of ReferenceAudioPath
// and WavBase64 must be set.
type CloneRequest struct {
	DisplayName        string
	Language           string
	Description        string
	RefText            string
	ReferenceAudioPath string
	WavBase64          string
	// NormalizeAudio peak-normalizes the reference clip before the
	// backend artifact is built.
	NormalizeAudio bool
}

// normalizePeakTarget leaves headroom so normalized clips do not clip.
const normalizePeakTarget = 0.95

// Display name length bounds in runes.
const (
	minDisplayName = 1
	maxDisplayName = 80
)

// Voices lists the voice library, default voice first.
func (e *Engine) Voices() []voices.Record {
	return e.rt.Load().Voices.List()
}

// CloneVoice creates a voice from reference audio and prepares the
// backend artifact. The record is rolled back if preparation fails.
func (e *Engine) CloneVoice(ctx context.Context, req CloneRequest) (voices.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt := e.rt.Load()

	if n := utf8.RuneCountInString(req.DisplayName); n < minDisplayName || n > maxDisplayName {
		return voices.Record{}, errInvalidRequest(
			fmt.Sprintf("display_name must be %d-%d characters", minDisplayName, maxDisplayName))
	}
	if (req.ReferenceAudioPath == "") == (req.WavBase64 == "") {
		return voices.Record{}, errInvalidRequest("ref_audio needs exactly one of path and wav_base64")
	}

	var wavData []byte
	if req.WavBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.WavBase64)
		if err != nil {
			return voices.Record{}, &Error{
				Code:    CodeInvalidAudio,
				Status:  http.StatusBadRequest,
				Message: "wav_base64 is not valid base64",
				Details: errDetails(err),
			}
		}
		pcm, err := audio.DecodeWAV(decoded)
		if err != nil {
			return voices.Record{}, &Error{
				Code:    CodeInvalidAudio,
				Status:  http.StatusBadRequest,
				Message: "reference audio is not a usable WAV clip",
				Details: errDetails(err),
			}
		}
		wavData = decoded
		if req.NormalizeAudio {
			if normalized, err := audio.EncodeWAV(audio.NormalizePeak(pcm, normalizePeakTarget)); err == nil {
				wavData = normalized
			}
		}
	} else {
		info, err := os.Stat(req.ReferenceAudioPath)
		if err != nil || info.IsDir() || info.Size() == 0 {
			return voices.Record{}, &Error{
				Code:    CodeInvalidAudio,
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("reference audio path %q is not a readable file", req.ReferenceAudioPath),
			}
		}
		// Normalize path input only when the file is a decodable WAV;
		// other formats go to the backend untouched.
		if req.NormalizeAudio {
			if raw, err := os.ReadFile(req.ReferenceAudioPath); err == nil {
				if pcm, err := audio.DecodeWAV(raw); err == nil {
					if normalized, err := audio.EncodeWAV(audio.NormalizePeak(pcm, normalizePeakTarget)); err == nil {
						wavData = normalized
					}
				}
			}
		}
	}

	rec, err := rt.Voices.Create(req.DisplayName, req.Language, req.Description, req.RefText)
	if err != nil {
		return voices.Record{}, errInvalidRequest(err.Error())
	}

	source := req.ReferenceAudioPath
	if wavData != nil {
		source = rt.Voices.ReferenceAudioPath(rec.VoiceID, ".wav")
		if err := os.WriteFile(source, wavData, 0o644); err != nil {
			rt.Voices.Delete(rec.VoiceID)
			return voices.Record{}, &Error{
				Code:    CodeVoiceCloneFailed,
				Status:  http.StatusBadRequest,
				Message: "could not store reference audio",
				Details: errDetails(err),
			}
		}
	}

	if err := rt.Synth.PrepareClonedVoice(ctx, rec.VoiceID, source); err != nil {
		rt.Voices.Delete(rec.VoiceID)
		return voices.Record{}, &Error{
			Code:    CodeVoiceCloneFailed,
			Status:  http.StatusBadRequest,
			Message: "voice cloning failed",
			Details: errDetails(err),
		}
	}

	e.log.Info("voice cloned", "voice_id", rec.VoiceID, "display_name", rec.DisplayName)
	return rec, nil
}

// UpdateVoice applies a partial metadata update to a stored voice.
func (e *Engine) UpdateVoice(voiceID string, upd voices.Update) (voices.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt := e.rt.Load()

	if voiceID == voices.DefaultID {
		return voices.Record{}, &Error{
			Code:    CodeForbidden,
			Status:  http.StatusForbidden,
			Message: "the built-in voice cannot be modified",
		}
	}
	if _, err := uuid.Parse(voiceID); err != nil || !rt.Voices.Exists(voiceID) {
		return voices.Record{}, errVoiceNotFound(voiceID)
	}

	rec, err := rt.Voices.Apply(voiceID, upd)
	if err != nil {
		return voices.Record{}, errInvalidRequest(err.Error())
	}
	return rec, nil
}

// DeleteVoice removes a stored voice and evicts any backend artifact.
func (e *Engine) DeleteVoice(voiceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt := e.rt.Load()

	if voiceID == voices.DefaultID {
		return &Error{
			Code:    CodeForbidden,
			Status:  http.StatusForbidden,
			Message: "the built-in voice cannot be deleted",
		}
	}
	if _, err := uuid.Parse(voiceID); err != nil || !rt.Voices.Exists(voiceID) {
		return errVoiceNotFound(voiceID)
	}

	rt.Synth.ForgetVoice(voiceID)
	if err := rt.Voices.Delete(voiceID); err != nil {
		return errInvalidRequest(err.Error())
	}
	e.log.Info("voice deleted", "voice_id", voiceID)
	return nil
}
