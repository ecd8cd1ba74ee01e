package voice

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kestrelhealth/scheduler/pkg/logging"
)

// Handler serves the voice intent surface. The speech pipeline posts the
// intent and entities it extracted; audio never reaches this service.
type Handler struct {
	adapter  *Adapter
	sessions SessionStore
	logger   *logging.Logger
}

// NewHandler creates the voice handler.
func NewHandler(adapter *Adapter, sessions SessionStore, logger *logging.Logger) *Handler {
	if adapter == nil {
		panic("voice: adapter required")
	}
	if sessions == nil {
		panic("voice: session store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{adapter: adapter, sessions: sessions, logger: logger}
}

type intentPayload struct {
	SessionID string            `json:"session_id"`
	Intent    string            `json:"intent"`
	Entities  map[string]string `json:"entities"`
}

type intentResponse struct {
	SessionID string  `json:"session_id"`
	Outcome   Outcome `json:"outcome"`
}

// HandleIntent handles POST /voice/intents.
func (h *Handler) HandleIntent(w http.ResponseWriter, r *http.Request) {
	var payload intentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.SessionID == "" {
		payload.SessionID = uuid.NewString()
	}

	session, err := h.sessions.Load(r.Context(), payload.SessionID)
	if err != nil {
		h.logger.Error("failed to load voice session", "session_id", payload.SessionID, "error", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}

	outcome := h.adapter.Resolve(r.Context(), session, payload.Intent, payload.Entities)

	if err := h.sessions.Save(r.Context(), session); err != nil {
		h.logger.Error("failed to save voice session", "session_id", session.ID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(intentResponse{SessionID: session.ID, Outcome: outcome})
}

// ResetSession handles POST /voice/sessions/{id}/reset.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Reset(r.Context(), id); err != nil {
		h.logger.Error("failed to reset voice session", "session_id", id, "error", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "session_reset", "session_id": id})
}
