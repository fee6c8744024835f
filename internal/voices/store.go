// Package voices manages the on-disk voice library under the engine data
// directory. Each cloned voice owns a directory holding meta.json, the
// stored reference audio, and the backend prompt artifact.
package voices

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultID is the built-in voice. It has no directory on disk and cannot
// be modified or deleted.
const DefaultID = "0"

// Record is the persisted description of a voice (meta.json).
type Record struct {
	VoiceID      string    `json:"voice_id"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	TTSModelID   string    `json:"tts_model_id"`
	LanguageHint string    `json:"language_hint"`
	Description  string    `json:"description,omitempty"`
	RefText      string    `json:"ref_text,omitempty"`
}

// Update carries a partial voice update. Nil fields are left untouched.
type Update struct {
	DisplayName  *string
	LanguageHint *string
	Description  *string
}

// Store is the filesystem voice library.
type Store struct {
	dataDir       string
	activeModelID string
}

// NewStore opens (and lays out) the data directory for the given active
// model id, which is stamped onto the synthetic default voice record.
func NewStore(dataDir, activeModelID string) (*Store, error) {
	for _, sub := range []string{"models", "voices", "cache", "logs"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("preparing data directory: %w", err)
		}
	}
	return &Store{dataDir: dataDir, activeModelID: activeModelID}, nil
}

// VoicesDir returns the directory holding all voice directories.
func (s *Store) VoicesDir() string {
	return filepath.Join(s.dataDir, "voices")
}

// VoiceDir returns the directory owned by a single voice.
func (s *Store) VoiceDir(voiceID string) string {
	return filepath.Join(s.VoicesDir(), voiceID)
}

// ReferenceAudioPath returns the stored reference clip path for a voice.
func (s *Store) ReferenceAudioPath(voiceID, suffix string) string {
	return filepath.Join(s.VoiceDir(voiceID), "reference_audio"+suffix)
}

// PromptPath returns the backend prompt artifact path for a voice.
func (s *Store) PromptPath(voiceID string) string {
	return filepath.Join(s.VoiceDir(voiceID), "prompt.safetensors")
}

func (s *Store) metaPath(voiceID string) string {
	return filepath.Join(s.VoiceDir(voiceID), "meta.json")
}

func (s *Store) defaultRecord() Record {
	return Record{
		VoiceID:      DefaultID,
		DisplayName:  "Default Built-in Voice",
		CreatedAt:    time.Unix(0, 0).UTC(),
		TTSModelID:   s.activeModelID,
		LanguageHint: "auto",
	}
}

// List returns the default voice followed by every stored voice in
// creation order. Directories with unreadable meta.json are skipped.
func (s *Store) List() []Record {
	records := []Record{s.defaultRecord()}

	entries, err := os.ReadDir(s.VoicesDir())
	if err != nil {
		return records
	}

	var stored []Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		stored = append(stored, rec)
	}
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].VoiceID < stored[j].VoiceID
		}
		return stored[i].CreatedAt.Before(stored[j].CreatedAt)
	})
	return append(records, stored...)
}

// Exists reports whether the voice id resolves to a known voice.
func (s *Store) Exists(voiceID string) bool {
	if voiceID == DefaultID {
		return true
	}
	_, err := os.Stat(s.metaPath(voiceID))
	return err == nil
}

// Get loads a voice record by id.
func (s *Store) Get(voiceID string) (Record, error) {
	if voiceID == DefaultID {
		return s.defaultRecord(), nil
	}
	data, err := os.ReadFile(s.metaPath(voiceID))
	if err != nil {
		return Record{}, fmt.Errorf("reading voice %s: %w", voiceID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing voice %s metadata: %w", voiceID, err)
	}
	if rec.VoiceID == "" {
		rec.VoiceID = voiceID
	}
	return rec, nil
}

// Create allocates a new voice directory with a fresh id and writes the
// initial metadata.
func (s *Store) Create(displayName, languageHint, description, refText string) (Record, error) {
	if displayName == "" {
		return Record{}, errors.New("display name must not be empty")
	}
	if languageHint == "" {
		languageHint = "auto"
	}

	rec := Record{
		VoiceID:      uuid.NewString(),
		DisplayName:  displayName,
		CreatedAt:    time.Now().UTC(),
		TTSModelID:   s.activeModelID,
		LanguageHint: languageHint,
		Description:  description,
		RefText:      refText,
	}

	if err := os.Mkdir(s.VoiceDir(rec.VoiceID), 0o755); err != nil {
		return Record{}, fmt.Errorf("creating voice directory: %w", err)
	}
	if err := s.writeMeta(rec); err != nil {
		os.RemoveAll(s.VoiceDir(rec.VoiceID))
		return Record{}, err
	}
	return rec, nil
}

// Apply writes a partial update onto a stored voice and returns the
// resulting record.
func (s *Store) Apply(voiceID string, upd Update) (Record, error) {
	rec, err := s.Get(voiceID)
	if err != nil {
		return Record{}, err
	}
	if upd.DisplayName != nil {
		rec.DisplayName = *upd.DisplayName
	}
	if upd.LanguageHint != nil {
		rec.LanguageHint = *upd.LanguageHint
	}
	if upd.Description != nil {
		rec.Description = *upd.Description
	}
	if err := s.writeMeta(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes the voice directory and everything in it.
func (s *Store) Delete(voiceID string) error {
	if !s.Exists(voiceID) {
		return fmt.Errorf("voice %s not found", voiceID)
	}
	return os.RemoveAll(s.VoiceDir(voiceID))
}

func (s *Store) writeMeta(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding voice metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(rec.VoiceID), data, 0o644); err != nil {
		return fmt.Errorf("writing voice metadata: %w", err)
	}
	return nil
}
