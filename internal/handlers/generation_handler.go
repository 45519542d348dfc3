package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dreamframe/backend/internal/generation"
	"github.com/dreamframe/backend/internal/middleware"
	"github.com/dreamframe/backend/internal/models"
	"github.com/dreamframe/backend/internal/pricing"
	"github.com/dreamframe/backend/internal/queue"
)

// GenerationQueue is the slice of the queue manager the HTTP layer needs.
// *queue.Service satisfies it; tests substitute a mock.
type GenerationQueue interface {
	Admit(ctx context.Context, userID uuid.UUID, req queue.AdmitRequest) (*queue.Admission, error)
	Cancel(ctx context.Context, userID, genID uuid.UUID) (bool, error)
	Get(ctx context.Context, userID, genID uuid.UUID) (*models.Generation, error)
	List(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error)
}

// GenerationHandler serves /v1/generations.
type GenerationHandler struct {
	Queue  GenerationQueue
	Logger *slog.Logger
}

type createGenerationRequest struct {
	Type            string          `json:"type"`
	Provider        string          `json:"provider"`
	ModelSKU        string          `json:"model_sku"`
	Payload         json.RawMessage `json:"payload"`
	Count           int             `json:"count"`
	DurationSeconds int             `json:"duration_seconds"`
	Resolution      string          `json:"resolution"`
	AudioEnabled    bool            `json:"audio_enabled"`
}

type createGenerationResponse struct {
	QueueID       string `json:"queue_id"`
	QueuePosition int    `json:"queue_position"`
	CreditsCost   int64  `json:"credits_cost"`
	Status        string `json:"status"`
}

// Create handles POST /v1/generations.
// Auth (via middleware) -> Admit (balance check + debit + record) -> 202.
func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Type != models.GenerationTypeImage && req.Type != models.GenerationTypeVideo && req.Type != models.GenerationTypeAudio {
		http.Error(w, `{"error":"type must be image, video or audio"}`, http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.ModelSKU == "" {
		http.Error(w, `{"error":"provider and model_sku are required"}`, http.StatusBadRequest)
		return
	}
	if !pricing.Known(req.ModelSKU) {
		http.Error(w, `{"error":"unknown model_sku"}`, http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		http.Error(w, `{"error":"payload is required"}`, http.StatusBadRequest)
		return
	}

	adm, err := h.Queue.Admit(r.Context(), userID, queue.AdmitRequest{
		Type:     req.Type,
		Provider: req.Provider,
		ModelSKU: req.ModelSKU,
		Payload:  req.Payload,
		Params: pricing.Params{
			Count:           req.Count,
			DurationSeconds: req.DurationSeconds,
			Resolution:      req.Resolution,
			AudioEnabled:    req.AudioEnabled,
		},
	})
	if err != nil {
		if errors.Is(err, queue.ErrInsufficientCredits) {
			http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
			return
		}
		h.Logger.Error("admit generation", "user_id", userID, "error", err)
		http.Error(w, `{"error":"failed to queue generation"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, createGenerationResponse{
		QueueID:       adm.QueueID.String(),
		QueuePosition: adm.QueuePosition,
		CreditsCost:   adm.CreditsCost,
		Status:        models.GenerationStatusQueued,
	})
}

// Get handles GET /v1/generations/{id}.
func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	genID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid generation id"}`, http.StatusBadRequest)
		return
	}

	g, err := h.Queue.Get(r.Context(), userID, genID)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get generation", "generation_id", genID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// List handles GET /v1/generations.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Queue.List(r.Context(), userID)
	if err != nil {
		h.Logger.Error("list generations", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Generation{}
	}
	writeJSON(w, http.StatusOK, list)
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
	Refunded  bool `json:"refunded"`
}

// Cancel handles POST /v1/generations/{id}/cancel. Valid only while the
// record is queued or processing; terminal records return 409.
func (h *GenerationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	genID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid generation id"}`, http.StatusBadRequest)
		return
	}

	refunded, err := h.Queue.Cancel(r.Context(), userID, genID)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrNotFound):
			http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
		case errors.Is(err, generation.ErrInvalidTransition):
			http.Error(w, `{"error":"generation already finished"}`, http.StatusConflict)
		default:
			h.Logger.Error("cancel generation", "generation_id", genID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true, Refunded: refunded})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
