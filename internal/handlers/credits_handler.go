package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dreamframe/backend/internal/ledger"
	"github.com/dreamframe/backend/internal/middleware"
	"github.com/dreamframe/backend/internal/models"
)

// CreditsHandler serves /v1/credits.
type CreditsHandler struct {
	Ledger ledger.Service
	Logger *slog.Logger
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// Balance handles GET /v1/credits. Users who have never queued a
// generation have no account row yet and read as zero.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		h.Logger.Error("get balance", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// LedgerEntries handles GET /v1/credits/ledger, listing the user's entries
// newest first.
func (h *CreditsHandler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	entries, err := h.Ledger.Entries(r.Context(), userID)
	if err != nil {
		h.Logger.Error("list ledger entries", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
