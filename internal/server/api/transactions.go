package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ayusman/smartpantry/internal/store"
)

// Query limits for GET /api/transactions.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// TransactionReader is the read side of the transaction log.
type TransactionReader interface {
	Query(ctx context.Context, f store.Filter) ([]store.Transaction, error)
	GetByID(ctx context.Context, id int64) (*store.Transaction, error)
}

// TransactionHandler serves the transaction log.
type TransactionHandler struct {
	transactions TransactionReader
}

// NewTransactionHandler creates a TransactionHandler.
func NewTransactionHandler(tr TransactionReader) *TransactionHandler {
	return &TransactionHandler{transactions: tr}
}

type listTransactionsResponse struct {
	Transactions []store.Transaction `json:"transactions"`
	// NextAfterID pages forward when the page was full.
	NextAfterID int64 `json:"next_after_id,omitempty"`
}

// ServeHTTP handles GET /api/transactions and GET /api/transactions/{id}.
func (h *TransactionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api/transactions"), "/")
	if path != "" {
		h.get(w, r, path)
		return
	}
	h.list(w, r)
}

func (h *TransactionHandler) get(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.transactions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get transaction")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	txs, err := h.transactions.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query transactions")
		return
	}

	resp := listTransactionsResponse{Transactions: txs}
	if len(txs) == f.Limit {
		resp.NextAfterID = txs[len(txs)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseFilter reads identity, session, kind, from, to (RFC 3339), after_id
// and limit from the query string.
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Identity:  q.Get("identity"),
		SessionID: q.Get("session"),
		Kind:      store.Kind(q.Get("kind")),
		Limit:     DefaultLimit,
	}

	switch f.Kind {
	case "", store.KindCrossing, store.KindCompensation:
	default:
		return f, errors.New("kind must be crossing or compensation")
	}

	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("from must be an RFC 3339 time")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("to must be an RFC 3339 time")
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, errors.New("from must be before to")
	}
	if v := q.Get("after_id"); v != "" {
		if f.AfterID, err = strconv.ParseInt(v, 10, 64); err != nil || f.AfterID < 0 {
			return f, errors.New("after_id must be a non-negative integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, MaxLimit)
	}
	return f, nil
}
