// Package api exposes the side-channel REST interface the presentation layer
// uses before a socket connection exists: session creation and listing, plus
// a liveness probe for operational monitoring.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/connection"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Handler serves the session side-channel.
type Handler struct {
	sessions *session.Registry
	conns    *connection.Registry
	clock    clockwork.Clock
}

// NewHandler creates the side-channel handler.
func NewHandler(sessions *session.Registry, conns *connection.Registry, clock clockwork.Clock) *Handler {
	return &Handler{sessions: sessions, conns: conns, clock: clock}
}

// Routes returns the chi router for the side-channel endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/stats", h.Stats)
	})
	r.Get("/health", h.Health)

	return r
}

type createSessionRequest struct {
	Name            string `json:"name"`
	FacilitatorID   string `json:"facilitator_id"`
	FacilitatorName string `json:"facilitator_name"`
}

// CreateSession allocates a new session out-of-band of the socket protocol.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.FacilitatorID == "" || req.FacilitatorName == "" {
		http.Error(w, "name, facilitator_id and facilitator_name are required", http.StatusBadRequest)
		return
	}

	created := h.sessions.CreateSession(req.Name, req.FacilitatorID, req.FacilitatorName)

	// Marshal a detached copy: the id is listable the moment CreateSession
	// returns, so the live record may already be mutating under the router.
	s, err := h.sessions.Get(created.ID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSessions returns a summary of every active session.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

// GetSession returns one session's full state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.sessions.Get(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Stats returns registry counters for operational visibility.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"sessions":    h.sessions.Stats(),
		"connections": h.conns.Stats(),
	}
	writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the liveness probe; not part of the core protocol.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: h.clock.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
