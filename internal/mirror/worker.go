package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/dreamframe/backend/internal/events"
)

// Worker consumes generations.completed events and maintains the denormalized
// generation_mirror table used by downstream read paths.
type Worker struct {
	pool *pgxpool.Pool
	nc   *nats.Conn
	log  *slog.Logger
}

func NewWorker(pool *pgxpool.Pool, nc *nats.Conn, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{pool: pool, nc: nc, log: log}
}

// Run subscribes via a queue group (so multiple API processes share the
// stream without duplicating writes) and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.nc.QueueSubscribe(events.SubjectGenerationCompleted, "mirror_workers", func(m *nats.Msg) {
		var ev events.CompletedEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			w.log.Error("mirror: unmarshal event", "error", err)
			return
		}
		if err := w.upsert(ctx, ev); err != nil {
			w.log.Error("mirror: upsert failed", "generation_id", ev.GenerationID, "error", err)
			return
		}
		w.log.Info("mirror: synced", "generation_id", ev.GenerationID)
	})
	if err != nil {
		return fmt.Errorf("mirror: subscribe: %w", err)
	}

	<-ctx.Done()
	return sub.Drain()
}

// upsert is idempotent on generation_id so redelivered events are harmless.
func (w *Worker) upsert(ctx context.Context, ev events.CompletedEvent) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO generation_mirror (generation_id, user_id, gen_type, provider, model_sku, credits_cost, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (generation_id) DO UPDATE SET credits_cost = EXCLUDED.credits_cost, synced_at = now()
	`, ev.GenerationID, ev.UserID, ev.Type, ev.Provider, ev.ModelSKU, ev.CreditsCost, ev.CompletedAt)
	return err
}
