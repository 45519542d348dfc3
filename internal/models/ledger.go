package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry directions. A debit and a credit for the same idempotency key
// coexist (charge then refund); two entries with the same key and direction
// cannot.
const (
	LedgerDirectionDebit  = "debit"
	LedgerDirectionCredit = "credit"
)

type LedgerEntry struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	// IdempotencyKey is the generation record id the entry settles.
	IdempotencyKey uuid.UUID `json:"idempotency_key"`
	Direction      string    `json:"direction"`
	// Amount is always positive; Direction carries the sign.
	Amount    int64             `json:"amount"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
