// Package httpapi exposes the websocket entry point and operational
// endpoints over a chi router.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jamgrid/internal/session"
	"jamgrid/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server holds the handler dependencies.
type Server struct {
	registry *session.Registry
	counters *telemetry.Counters
	log      zerolog.Logger
}

func NewServer(registry *session.Registry, counters *telemetry.Counters, logger zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		counters: counters,
		log:      logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Get("/ws/{sessionID}", s.handleWebsocket)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Counters telemetry.Snapshot    `json:"counters"`
		Sessions []session.Diagnostics `json:"sessions"`
	}{
		Counters: s.counters.SnapshotCounters(),
		Sessions: s.registry.Diagnostics(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("diagnostics encode failed")
	}
}

// handleWebsocket upgrades the connection and hands it to the session's
// coordinator. Serve blocks for the lifetime of the connection.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	co, err := s.registry.Acquire(r.Context(), sessionID)
	if err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("session unavailable")
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	name := r.URL.Query().Get("name")
	co.Serve(sock, token, name)
}
