package server

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
	"github.com/mingzhe93/screen-reader-tts/internal/jobs"
)

func testWAVBase64(t *testing.T) string {
	t.Helper()
	wav, err := audio.EncodeWAV(audio.FromFloat32(make([]float32, 2400), audio.DefaultSampleRate, audio.DefaultChannels))
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(wav)
}

func wsURL(ts *httptest.Server, jobID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream/" + jobID
}

func startJob(t *testing.T, ts *httptest.Server, text string) string {
	t.Helper()
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/speak", testToken, map[string]any{
		"text":     text,
		"voice_id": "0",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("speak status %d: %v", resp.StatusCode, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatal("job_id missing")
	}
	return jobID
}

// readStream reads events until the server sends a close frame, returning
// the events and the close code.
func readStream(t *testing.T, conn *websocket.Conn) ([]jobs.Event, int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var events []jobs.Event
	for {
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return events, closeErr.Code
			}
			t.Fatalf("reading stream: %v", err)
		}
		events = append(events, ev)
	}
}

func TestStreamDeliversJobEvents(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := startJob(t, ts, "First sentence. Second sentence.")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, jobID),
		http.Header{"Authorization": {"Bearer " + testToken}})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	events, closeCode := readStream(t, conn)
	if closeCode != websocket.CloseNormalClosure {
		t.Errorf("close code %d, want 1000", closeCode)
	}
	if len(events) < 3 {
		t.Fatalf("only %d events", len(events))
	}
	if events[0].Type != jobs.EventJobStarted {
		t.Errorf("first event %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != jobs.EventJobDone {
		t.Errorf("last event %s", last.Type)
	}

	seq := 0
	for _, ev := range events {
		if ev.Type != jobs.EventAudioChunk {
			continue
		}
		seq++
		if ev.Seq != seq {
			t.Errorf("chunk seq %d, want %d", ev.Seq, seq)
		}
		if ev.Audio == nil || ev.Audio.DataBase64 == "" {
			t.Error("audio payload missing")
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(ev.Audio.DataBase64); err != nil {
			t.Errorf("audio payload is not base64: %v", err)
		}
	}
	if seq == 0 {
		t.Error("no audio chunks streamed")
	}
}

func TestStreamReplayAfterCompletion(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := startJob(t, ts, "Replay me.")

	// Let the job finish before connecting.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body := doJSON(t, ts, http.MethodGet, "/v1/health", testToken, nil)
		if resp.StatusCode == http.StatusOK && body["active_job_id"] == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, jobID),
		http.Header{"Authorization": {"Bearer " + testToken}})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	events, closeCode := readStream(t, conn)
	if closeCode != websocket.CloseNormalClosure {
		t.Errorf("close code %d", closeCode)
	}
	if len(events) == 0 || events[len(events)-1].Type != jobs.EventJobDone {
		t.Fatalf("replay missing terminal event: %d events", len(events))
	}
}

func TestStreamSubprotocolAuth(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := startJob(t, ts, "Subprotocol auth.")

	dialer := websocket.Dialer{Subprotocols: []string{StreamSubprotocol, testToken}}
	conn, _, err := dialer.Dial(wsURL(ts, jobID), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if got := conn.Subprotocol(); got != StreamSubprotocol {
		t.Errorf("negotiated subprotocol %q, want %q (and never the token)", got, StreamSubprotocol)
	}

	events, closeCode := readStream(t, conn)
	if closeCode != websocket.CloseNormalClosure {
		t.Errorf("close code %d", closeCode)
	}
	if len(events) == 0 {
		t.Error("no events over subprotocol-authed stream")
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := startJob(t, ts, "Secret.")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, jobID),
		http.Header{"Authorization": {"Bearer wrong"}})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, closeCode := readStream(t, conn)
	if closeCode != closeUnauthorized {
		t.Errorf("close code %d, want %d", closeCode, closeUnauthorized)
	}
}

func TestStreamRejectsUnknownJob(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "11111111-2222-3333-4444-555555555555"),
		http.Header{"Authorization": {"Bearer " + testToken}})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, closeCode := readStream(t, conn)
	if closeCode != closeJobNotFound {
		t.Errorf("close code %d, want %d", closeCode, closeJobNotFound)
	}
}
