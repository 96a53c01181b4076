package api

import (
	"net/http"
	"strings"

	"github.com/ayusman/smartpantry/internal/ledger"
)

// Inventory is the read side of the ledger.
type Inventory interface {
	Snapshot() []ledger.Entry
	Get(identity string) ledger.Entry
}

// InventoryHandler serves the current inventory.
type InventoryHandler struct {
	inventory Inventory
}

// NewInventoryHandler creates an InventoryHandler.
func NewInventoryHandler(inv Inventory) *InventoryHandler {
	return &InventoryHandler{inventory: inv}
}

type inventoryResponse struct {
	Items []ledger.Entry `json:"items"`
	// Total is the number of identities currently held.
	Total int `json:"total"`
}

// ServeHTTP handles GET /api/inventory and GET /api/inventory/{identity}.
func (h *InventoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	identity := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api/inventory"), "/")
	if identity != "" {
		writeJSON(w, http.StatusOK, h.inventory.Get(identity))
		return
	}

	items := h.inventory.Snapshot()
	resp := inventoryResponse{Items: items}
	for _, e := range items {
		if e.InInventory {
			resp.Total++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
