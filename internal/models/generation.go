package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation status enums. completed, failed and cancelled are terminal:
// no transition leaves them.
const (
	GenerationStatusQueued     = "queued"
	GenerationStatusProcessing = "processing"
	GenerationStatusCompleted  = "completed"
	GenerationStatusFailed     = "failed"
	GenerationStatusCancelled  = "cancelled"
)

// Generation types.
const (
	GenerationTypeImage = "image"
	GenerationTypeVideo = "video"
	GenerationTypeAudio = "audio"
)

// IsTerminalStatus reports whether s is one of the terminal generation states.
func IsTerminalStatus(s string) bool {
	return s == GenerationStatusCompleted || s == GenerationStatusFailed || s == GenerationStatusCancelled
}

type Generation struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Status   string    `json:"status"`
	Type     string    `json:"type"`
	Provider string    `json:"provider"`
	ModelSKU string    `json:"model_sku"`
	// Payload is the provider request as submitted; the queue never inspects it.
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreditsCost int64           `json:"credits_cost"`
	// CreditsDeducted = true implies a ledger debit keyed by ID exists.
	CreditsDeducted bool            `json:"credits_deducted"`
	ProviderTaskID  *string         `json:"provider_task_id,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
