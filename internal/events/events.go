package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SubjectGenerationCompleted carries CompletedEvent payloads.
const SubjectGenerationCompleted = "generations.completed"

// CompletedEvent is published after a generation record reaches completed.
// Consumers (history mirror, analytics) are best-effort; losing an event
// never affects the record or the ledger.
type CompletedEvent struct {
	GenerationID uuid.UUID `json:"generation_id"`
	UserID       uuid.UUID `json:"user_id"`
	Type         string    `json:"type"`
	Provider     string    `json:"provider"`
	ModelSKU     string    `json:"model_sku"`
	CreditsCost  int64     `json:"credits_cost"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Publisher sends completion events over NATS, fire-and-forget.
type Publisher struct {
	nc  *nats.Conn
	log *slog.Logger
}

func NewPublisher(nc *nats.Conn, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{nc: nc, log: log}
}

// PublishCompleted publishes the event and only logs on failure. Callers run
// it after their own transaction has committed; it must never propagate an
// error back into the completion path.
func (p *Publisher) PublishCompleted(ev CompletedEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("events: marshal completed event", "generation_id", ev.GenerationID, "error", err)
		return
	}
	if err := p.nc.Publish(SubjectGenerationCompleted, data); err != nil {
		p.log.Error("events: publish completed event", "generation_id", ev.GenerationID, "error", err)
	}
}
