package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mingzhe93/screen-reader-tts/internal/config"
	"github.com/mingzhe93/screen-reader-tts/internal/engine"
	"github.com/mingzhe93/screen-reader-tts/internal/jobs"
	"github.com/mingzhe93/screen-reader-tts/internal/observability"
)

const testToken = "test-token-123"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.SynthBackend = config.BackendMock
	cfg.DataDir = t.TempDir()

	e, err := engine.New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := New(e, "127.0.0.1", cfg.Port, testToken, WithMetrics(observability.NewMetrics()))
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func errorCode(body map[string]any) string {
	env, _ := body["error"].(map[string]any)
	code, _ := env["code"].(string)
	return code
}

func TestAuthGate(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodGet, "/v1/health", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	if errorCode(body) != engine.CodeUnauthorized {
		t.Errorf("no token: code %q", errorCode(body))
	}

	resp, _ = doJSON(t, ts, http.MethodGet, "/v1/health", "wrong-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", resp.StatusCode)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/v1/health", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status %d", resp.StatusCode)
	}
	if body["engine_version"] != config.EngineVersion {
		t.Errorf("engine_version %v", body["engine_version"])
	}
	runtime, _ := body["runtime"].(map[string]any)
	if runtime["backend"] != "mock" {
		t.Errorf("runtime.backend %v", runtime["backend"])
	}
}

func TestMetricsOutsideAuth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "voicereader_jobs_started_total") {
		t.Error("metrics exposition missing job counter")
	}
}

func TestSpeakReturnsJobAndWSURL(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/speak", testToken, map[string]any{
		"text":     "Hello there. General greeting.",
		"voice_id": "0",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatal("job_id missing")
	}
	wsURL, _ := body["ws_url"].(string)
	want := fmt.Sprintf("ws://127.0.0.1:%d/v1/stream/%s", srv.port, jobID)
	if wsURL != want {
		t.Errorf("ws_url %q, want %q", wsURL, want)
	}
}

func TestSpeakValidation(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "rate above ceiling",
			body:       map[string]any{"text": "Hi.", "voice_id": "0", "settings": map[string]any{"rate": 5.0}},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.CodeInvalidRequest,
		},
		{
			name:       "rate below floor",
			body:       map[string]any{"text": "Hi.", "voice_id": "0", "settings": map[string]any{"rate": 0.1}},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.CodeInvalidRequest,
		},
		{
			name:       "volume out of range",
			body:       map[string]any{"text": "Hi.", "voice_id": "0", "settings": map[string]any{"volume": 3.0}},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.CodeInvalidRequest,
		},
		{
			name:       "max_chars too small",
			body:       map[string]any{"text": "Hi.", "voice_id": "0", "settings": map[string]any{"chunking": map[string]any{"max_chars": 10}}},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.CodeInvalidRequest,
		},
		{
			name:       "empty text",
			body:       map[string]any{"text": "   ", "voice_id": "0"},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.CodeEmptyText,
		},
		{
			name:       "malformed voice id",
			body:       map[string]any{"text": "Hi.", "voice_id": "not-a-voice"},
			wantStatus: http.StatusNotFound,
			wantCode:   engine.CodeVoiceNotFound,
		},
		{
			name:       "unknown voice uuid",
			body:       map[string]any{"text": "Hi.", "voice_id": "6df1b0f6-1f93-4d2f-8f7a-06b6b8f1f9aa"},
			wantStatus: http.StatusNotFound,
			wantCode:   engine.CodeVoiceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, ts, http.MethodPost, "/v1/speak", testToken, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status %d, want %d (%v)", resp.StatusCode, tt.wantStatus, body)
			}
			if errorCode(body) != tt.wantCode {
				t.Errorf("code %q, want %q", errorCode(body), tt.wantCode)
			}
		})
	}
}

func TestSpeakAcceptsNumericDefaultVoice(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/speak", testToken, map[string]any{
		"text":     "Numeric voice id.",
		"voice_id": 0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
}

// firstChunkBytes runs a speak request to completion and returns the
// decoded byte length of its first audio chunk.
func firstChunkBytes(t *testing.T, srv *Server, ts *httptest.Server, body map[string]any) int {
	t.Helper()

	resp, rb := doJSON(t, ts, http.MethodPost, "/v1/speak", testToken, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("speak status %d: %v", resp.StatusCode, rb)
	}
	jobID, _ := rb["job_id"].(string)

	ch, history, err := srv.engine.Subscribe(jobID)
	if err != nil {
		t.Fatal(err)
	}
	events := history
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				for _, ev := range events {
					if ev.Type != jobs.EventAudioChunk {
						continue
					}
					data, err := base64.StdEncoding.DecodeString(ev.Audio.DataBase64)
					if err != nil {
						t.Fatal(err)
					}
					return len(data)
				}
				t.Fatal("job produced no audio chunk")
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("job did not finish")
		}
	}
}

func TestSpeakSettingsChangePlayback(t *testing.T) {
	srv, ts := newTestServer(t)

	base := firstChunkBytes(t, srv, ts, map[string]any{
		"text": "Hello world.", "voice_id": "0",
	})
	fast := firstChunkBytes(t, srv, ts, map[string]any{
		"text": "Hello world.", "voice_id": "0",
		"settings": map[string]any{"rate": 2.0},
	})
	if fast >= base {
		t.Errorf("rate 2.0 chunk is %d bytes, want shorter than the %d-byte default", fast, base)
	}
}

func TestErrorDetailsIsObject(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/speak", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	errObj, _ := env["error"].(map[string]any)
	details, ok := errObj["details"].(map[string]any)
	if !ok {
		t.Fatalf("details is %T, want a JSON object", errObj["details"])
	}
	if reason, _ := details["reason"].(string); reason == "" {
		t.Error("details.reason empty")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/cancel", testToken, map[string]any{
		"job_id": "11111111-2222-3333-4444-555555555555",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if errorCode(body) != engine.CodeJobNotFound {
		t.Errorf("code %q", errorCode(body))
	}
}

func TestVoiceCRUD(t *testing.T) {
	_, ts := newTestServer(t)

	// Listing starts with the default voice.
	resp, body := doJSON(t, ts, http.MethodGet, "/v1/voices", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	voicesList, _ := body["voices"].([]any)
	if len(voicesList) != 1 {
		t.Fatalf("want 1 voice, got %d", len(voicesList))
	}
	first, _ := voicesList[0].(map[string]any)
	if first["voice_id"] != "0" {
		t.Errorf("first voice %v", first["voice_id"])
	}
	if _, leaked := first["ref_text"]; leaked {
		t.Error("ref_text leaked into summary")
	}

	// Clone from inline WAV (the mock backend accepts any clone).
	resp, body = doJSON(t, ts, http.MethodPost, "/v1/voices/clone", testToken, map[string]any{
		"display_name": "Clone A",
		"ref_audio":    map[string]any{"wav_base64": testWAVBase64(t)},
		"language":     "en",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clone status %d: %v", resp.StatusCode, body)
	}
	voiceID, _ := body["voice_id"].(string)
	if voiceID == "" || voiceID == "0" {
		t.Fatalf("clone voice_id %q", voiceID)
	}

	// Partial update.
	resp, body = doJSON(t, ts, http.MethodPatch, "/v1/voices/"+voiceID, testToken, map[string]any{
		"display_name": "Clone B",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %v", resp.StatusCode, body)
	}
	if body["display_name"] != "Clone B" {
		t.Errorf("display_name %v", body["display_name"])
	}

	// The default voice is immutable.
	resp, body = doJSON(t, ts, http.MethodPatch, "/v1/voices/0", testToken, map[string]any{
		"display_name": "Nope",
	})
	if resp.StatusCode != http.StatusForbidden || errorCode(body) != engine.CodeForbidden {
		t.Errorf("patch default: status %d code %q", resp.StatusCode, errorCode(body))
	}

	// Delete.
	resp, body = doJSON(t, ts, http.MethodDelete, "/v1/voices/"+voiceID, testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	if body["deleted"] != true {
		t.Errorf("delete body %v", body)
	}
	resp, body = doJSON(t, ts, http.MethodDelete, "/v1/voices/"+voiceID, testToken, nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != engine.CodeVoiceNotFound {
		t.Errorf("re-delete: status %d code %q", resp.StatusCode, errorCode(body))
	}
}

func TestWarmupEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/warmup", testToken, map[string]any{
		"wait": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["accepted"] != true {
		t.Errorf("accepted %v", body["accepted"])
	}
	warmup, _ := body["warmup"].(map[string]any)
	if warmup["status"] != "ready" {
		t.Errorf("warmup status %v", warmup["status"])
	}
	if warmup["last_reason"] != "api_request" {
		t.Errorf("warmup last_reason %v", warmup["last_reason"])
	}
	if warmup["last_started_at"] == nil || warmup["last_completed_at"] == nil {
		t.Error("warmup timestamps missing")
	}
}

func TestActivateEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/models/activate", testToken, map[string]any{
		"synth_backend": "bogus",
	})
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != engine.CodeInvalidRequest {
		t.Errorf("bogus backend: status %d code %q", resp.StatusCode, errorCode(body))
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/models/activate", testToken, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("identity activate status %d: %v", resp.StatusCode, body)
	}
	if body["reloaded"] != false {
		t.Errorf("reloaded %v for identity activation", body["reloaded"])
	}
	if _, ok := body["runtime"].(map[string]any); !ok {
		t.Errorf("activate response missing runtime block: %v", body)
	}
}

func TestActivateSwapsModelAndHealthReflectsIt(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/models/activate", testToken, map[string]any{
		"synth_backend":   "mock",
		"active_model_id": "mock-model-v2",
		"warmup_wait":     true,
		"warmup_force":    true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %v", resp.StatusCode, body)
	}
	if body["reloaded"] != true {
		t.Errorf("reloaded %v after model id change", body["reloaded"])
	}
	if body["active_model_id"] != "mock-model-v2" {
		t.Errorf("active_model_id %v", body["active_model_id"])
	}
	runtime, _ := body["runtime"].(map[string]any)
	warmup, _ := runtime["warmup"].(map[string]any)
	if s := warmup["status"]; s != "ready" && s != "error" {
		t.Errorf("warmup status %v after waited activation", s)
	}

	resp, health := doJSON(t, ts, http.MethodGet, "/v1/health", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	if health["active_model_id"] != "mock-model-v2" {
		t.Errorf("health active_model_id %v", health["active_model_id"])
	}
	caps, _ := health["capabilities"].(map[string]any)
	if caps["supports_voice_clone"] != true || caps["supports_audio_chunk_stream"] != true {
		t.Errorf("capabilities %v", caps)
	}
	if caps["supports_true_streaming_inference"] != false {
		t.Errorf("supports_true_streaming_inference %v", caps["supports_true_streaming_inference"])
	}
	if langs, _ := caps["languages"].([]any); len(langs) == 0 {
		t.Error("capabilities.languages empty")
	}
	hr, _ := health["runtime"].(map[string]any)
	if hr["backend"] != "mock" || hr["model_loaded"] != true {
		t.Errorf("health runtime %v", hr)
	}
	if hr["supports_default_voice"] != true || hr["supports_cloned_voices"] != true {
		t.Errorf("health runtime voice flags %v", hr)
	}
	hw, _ := hr["warmup"].(map[string]any)
	if hw["last_reason"] != "model_activated" {
		t.Errorf("health warmup last_reason %v", hw["last_reason"])
	}
	if hw["last_started_at"] == nil {
		t.Error("health warmup last_started_at missing")
	}
}

func TestPrefetchRejectsUnknownMode(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/models/prefetch", testToken, map[string]any{
		"mode": "everything",
	})
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != engine.CodeInvalidRequest {
		t.Errorf("status %d code %q", resp.StatusCode, errorCode(body))
	}
}

func TestQuitEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)

	called := make(chan struct{})
	srv.engine.SetQuitFunc(func() { close(called) })

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/quit", testToken, map[string]any{})
	if resp.StatusCode != http.StatusOK || body["quitting"] != true {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	select {
	case <-called:
	default:
		t.Error("quit callback not invoked")
	}
}
