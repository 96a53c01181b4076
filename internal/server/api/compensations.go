package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/store"
)

// Compensator appends correcting transactions.
type Compensator interface {
	Compensate(ctx context.Context, identity string, delta int, note string) (store.Transaction, error)
}

// CompensationHandler records manual inventory corrections.
type CompensationHandler struct {
	ledger Compensator
}

// NewCompensationHandler creates a CompensationHandler.
func NewCompensationHandler(c Compensator) *CompensationHandler {
	return &CompensationHandler{ledger: c}
}

type compensationRequest struct {
	Identity string `json:"identity"`
	Delta    int    `json:"delta"`
	Note     string `json:"note"`
}

// ServeHTTP handles POST /api/compensations.
func (h *CompensationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req compensationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "Identity is required")
		return
	}
	if req.Delta != 1 && req.Delta != -1 {
		writeError(w, http.StatusBadRequest, "Delta must be 1 or -1")
		return
	}

	tx, err := h.ledger.Compensate(r.Context(), req.Identity, req.Delta, req.Note)
	if err != nil {
		if ledger.IsRetryable(err) {
			writeError(w, http.StatusServiceUnavailable, "Failed to record compensation, try again")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}
