// Package server exposes the engine over the loopback HTTP/WS surface.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mingzhe93/screen-reader-tts/internal/engine"
	"github.com/mingzhe93/screen-reader-tts/internal/observability"
)

// ParseLogLevel maps a config string to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Server binds the engine to the HTTP surface.
type Server struct {
	engine  *engine.Engine
	token   string
	host    string
	port    int
	log     *slog.Logger
	metrics *observability.Metrics

	shutdownTimeout time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics mounts /metrics for the given registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New builds a server for the engine. The token must be non-empty; every
// /v1 route except the stream's own auth path requires it.
func New(e *engine.Engine, host string, port int, token string, opts ...Option) (*Server, error) {
	if token == "" {
		return nil, errors.New("auth token must not be empty")
	}
	s := &Server{
		engine:          e,
		token:           token,
		host:            host,
		port:            port,
		log:             slog.Default(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		// The stream authenticates inside the WS handshake so it can
		// answer with WS close codes instead of HTTP statuses.
		r.Get("/stream/{job_id}", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/health", s.handleHealth)
			r.Get("/voices", s.handleListVoices)
			r.Post("/voices/clone", s.handleCloneVoice)
			r.Patch("/voices/{voice_id}", s.handleUpdateVoice)
			r.Delete("/voices/{voice_id}", s.handleDeleteVoice)
			r.Post("/speak", s.handleSpeak)
			r.Post("/cancel", s.handleCancel)
			r.Post("/warmup", s.handleWarmup)
			r.Post("/models/activate", s.handleActivate)
			r.Post("/models/prefetch", s.handlePrefetch)
			r.Post("/quit", s.handleQuit)
		})
	})

	return r
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("listening", "addr", httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// tokenMatches compares in constant time.
func (s *Server) tokenMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) == 1
}

// bearerToken extracts a token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenMatches(bearerToken(r)) {
			writeError(w, &engine.Error{
				Code:    engine.CodeUnauthorized,
				Status:  http.StatusUnauthorized,
				Message: "missing or invalid bearer token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *engine.Error
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, errorEnvelope{Error: errorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Details: apiErr.Details,
		}})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
		Code:    "INTERNAL",
		Message: "internal error",
		Details: map[string]any{"reason": err.Error()},
	}})
}
