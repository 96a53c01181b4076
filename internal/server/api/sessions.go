package api

import (
	"context"
	"net/http"

	"github.com/ayusman/smartpantry/internal/store"
)

// SessionLister lists recorded sessions.
type SessionLister interface {
	List(ctx context.Context) ([]store.Session, error)
}

// SessionHandler serves the list of stream sessions.
type SessionHandler struct {
	sessions SessionLister
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(s SessionLister) *SessionHandler {
	return &SessionHandler{sessions: s}
}

type listSessionsResponse struct {
	Sessions []store.Session `json:"sessions"`
}

// ServeHTTP handles GET /api/sessions.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}
