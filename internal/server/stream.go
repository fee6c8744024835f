package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mingzhe93/screen-reader-tts/internal/jobs"
)

// StreamSubprotocol is the WS subprotocol used to smuggle the bearer
// token through the handshake when clients cannot set headers. The
// client offers the pair ["auth.bearer.v1", "<token>"]; the server
// echoes only the protocol name.
const StreamSubprotocol = "auth.bearer.v1"

// WS close codes mirroring the HTTP auth and lookup failures. The
// handshake cannot carry them, so the server upgrades first and closes
// immediately.
const (
	closeUnauthorized = 4401
	closeJobNotFound  = 4404
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 << 10,
	// Loopback-only daemon; browser origins are irrelevant here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamAuthorized checks the bearer header, then the subprotocol pair.
// It returns whether the subprotocol route was used so the handshake can
// echo the protocol name.
func (s *Server) streamAuthorized(r *http.Request) (ok, viaSubprotocol bool) {
	if s.tokenMatches(bearerToken(r)) {
		return true, false
	}
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if p == StreamSubprotocol && i+1 < len(protocols) && s.tokenMatches(protocols[i+1]) {
			return true, true
		}
	}
	return false, false
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	authorized, viaSubprotocol := s.streamAuthorized(r)

	var responseHeader http.Header
	if viaSubprotocol {
		responseHeader = http.Header{"Sec-Websocket-Protocol": {StreamSubprotocol}}
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}
	defer conn.Close()

	closeWith := func(code int, reason string) {
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
	}

	if !authorized {
		closeWith(closeUnauthorized, "missing or invalid bearer token")
		return
	}

	ch, history, err := s.engine.Subscribe(jobID)
	if err != nil {
		closeWith(closeJobNotFound, "unknown job")
		return
	}
	defer s.engine.Unsubscribe(jobID, ch)

	// Watch for the client hanging up while we stream.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev jobs.Event) bool {
		if err := conn.WriteJSON(ev); err != nil {
			return false
		}
		return true
	}

	// Replay history first; a terminal event in it ends the stream.
	for _, ev := range history {
		if !send(ev) {
			return
		}
		if ev.Terminal() {
			closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}

	for {
		select {
		case ev, open := <-ch:
			if !open {
				closeWith(websocket.CloseNormalClosure, "")
				return
			}
			if !send(ev) {
				return
			}
			if ev.Terminal() {
				// Drain until the manager closes the channel, then finish.
				for range ch {
				}
				closeWith(websocket.CloseNormalClosure, "")
				return
			}
		case <-clientGone:
			return
		}
	}
}
