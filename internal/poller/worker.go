package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/dreamframe/backend/internal/blob"
	"github.com/dreamframe/backend/internal/generation"
	"github.com/dreamframe/backend/internal/models"
	"github.com/dreamframe/backend/internal/pricing"
	"github.com/dreamframe/backend/internal/provider"
)

// GenerateArgs dispatches a freshly admitted generation to its provider.
type GenerateArgs struct {
	GenerationID uuid.UUID `json:"generation_id"`
	UserID       uuid.UUID `json:"user_id"`
}

func (GenerateArgs) Kind() string { return "generate" }

// ResolveArgs polls an async provider job until it settles.
type ResolveArgs struct {
	GenerationID uuid.UUID `json:"generation_id"`
	UserID       uuid.UUID `json:"user_id"`
	TaskID       string    `json:"task_id"`
}

func (ResolveArgs) Kind() string { return "resolve_provider_job" }

// Queue is the contract the workers need to drive a generation's lifecycle.
// *queue.Service satisfies it.
type Queue interface {
	Record(ctx context.Context, genID uuid.UUID) (*models.Generation, error)
	MarkProcessing(ctx context.Context, genID uuid.UUID, providerTaskID *string) error
	SetProviderTask(ctx context.Context, genID uuid.UUID, taskID string) error
	Complete(ctx context.Context, genID uuid.UUID, result []byte, finalParams pricing.Params) error
	MarkFailed(ctx context.Context, genID uuid.UUID, errText string)
}

// EnqueueResolveFunc schedules a ResolveArgs job, typically a closure over
// river.Client.Insert.
type EnqueueResolveFunc func(ctx context.Context, args ResolveArgs) error

const (
	// Attempts for the submit path before the generation is failed (and
	// refunded if pre-paid).
	maxGenerateAttempts = 3

	pollInitialInterval = 2 * time.Second
	pollMaxInterval     = 30 * time.Second
	// Budget for one resolve pass. Exceeding it is a timeout error, not a
	// failure: the provider job may still complete, so the record keeps its
	// last known state and the poll is retried later.
	pollMaxWait = 10 * time.Minute
)

// GenerateWorker submits a generation to its provider. Synchronous providers
// return output directly; async providers return a task handle that gets a
// resolve job scheduled for it.
type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	queue          Queue
	providers      provider.Registry
	store          blob.Store
	enqueueResolve EnqueueResolveFunc
	submitTimeout  time.Duration
	log            *slog.Logger
}

func NewGenerateWorker(q Queue, providers provider.Registry, store blob.Store, enqueueResolve EnqueueResolveFunc, submitTimeout time.Duration, log *slog.Logger) *GenerateWorker {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateWorker{
		queue:          q,
		providers:      providers,
		store:          store,
		enqueueResolve: enqueueResolve,
		submitTimeout:  submitTimeout,
		log:            log,
	}
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args

	g, err := w.queue.Record(ctx, args.GenerationID)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			return nil
		}
		return err
	}
	if models.IsTerminalStatus(g.Status) {
		// Cancelled (or otherwise settled) before dispatch; nothing to do.
		return nil
	}

	client, err := w.providers.Get(g.Provider)
	if err != nil {
		w.queue.MarkFailed(ctx, g.ID, err.Error())
		return nil
	}

	// A retried job finds the record already processing; only the first
	// attempt moves it there.
	if g.Status == models.GenerationStatusQueued {
		if err := w.queue.MarkProcessing(ctx, g.ID, nil); err != nil {
			if errors.Is(err, generation.ErrInvalidTransition) {
				// Raced into a terminal state between the load and the update.
				return nil
			}
			return err
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, w.submitTimeout)
	defer cancel()
	out, err := client.Submit(submitCtx, provider.Request{ModelSKU: g.ModelSKU, Payload: g.Payload})
	if err != nil {
		if job.Attempt < maxGenerateAttempts {
			return fmt.Errorf("provider submit: %w", err)
		}
		w.queue.MarkFailed(ctx, g.ID, "generation failed, please try again")
		w.log.Warn("generate: provider submit exhausted retries", "generation_id", g.ID, "provider", g.Provider, "error", err)
		return nil
	}

	if out.TaskID != "" {
		if err := w.queue.SetProviderTask(ctx, g.ID, out.TaskID); err != nil {
			return err
		}
		return w.enqueueResolve(ctx, ResolveArgs{GenerationID: g.ID, UserID: g.UserID, TaskID: out.TaskID})
	}

	result, err := rehost(ctx, w.store, g.ID, out.Result)
	if err != nil {
		return fmt.Errorf("rehost output: %w", err)
	}
	return w.queue.Complete(ctx, g.ID, result, out.Result.FinalParams)
}

// ResolveWorker polls an async provider job with exponential backoff, bounded
// by pollMaxWait per pass. Terminal success re-hosts the output, completes the
// record, and settles post-paid pricing; the settlement debit is keyed by the
// generation record id, so duplicate polls debit at most once.
type ResolveWorker struct {
	river.WorkerDefaults[ResolveArgs]
	queue     Queue
	providers provider.Registry
	store     blob.Store
	log       *slog.Logger

	// Overridable in tests.
	initialInterval time.Duration
	maxInterval     time.Duration
	maxWait         time.Duration
}

func NewResolveWorker(q Queue, providers provider.Registry, store blob.Store, log *slog.Logger) *ResolveWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ResolveWorker{
		queue:           q,
		providers:       providers,
		store:           store,
		log:             log,
		initialInterval: pollInitialInterval,
		maxInterval:     pollMaxInterval,
		maxWait:         pollMaxWait,
	}
}

func (w *ResolveWorker) Work(ctx context.Context, job *river.Job[ResolveArgs]) error {
	return w.Resolve(ctx, job.Args)
}

// Resolve is one polling pass. Exported so a manual status-check endpoint can
// drive the same path as the background job.
func (w *ResolveWorker) Resolve(ctx context.Context, args ResolveArgs) error {
	g, err := w.queue.Record(ctx, args.GenerationID)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			return nil
		}
		return err
	}
	if models.IsTerminalStatus(g.Status) {
		return nil
	}

	client, err := w.providers.Get(g.Provider)
	if err != nil {
		w.queue.MarkFailed(ctx, g.ID, err.Error())
		return nil
	}

	deadline := time.Now().Add(w.maxWait)
	interval := w.initialInterval
	for {
		status, err := client.GetJobStatus(ctx, args.TaskID)
		if err != nil {
			return fmt.Errorf("provider job status: %w", err)
		}

		switch status.State {
		case provider.JobSucceeded:
			if status.Output == nil {
				w.queue.MarkFailed(ctx, g.ID, "provider reported success without output")
				return nil
			}
			result, err := rehost(ctx, w.store, g.ID, status.Output)
			if err != nil {
				return fmt.Errorf("rehost output: %w", err)
			}
			return w.queue.Complete(ctx, g.ID, result, status.Output.FinalParams)
		case provider.JobFailed:
			// Raw provider errors stay in logs; users get a generic message.
			w.log.Warn("resolve: provider job failed", "generation_id", g.ID, "provider_error", status.Err)
			// Post-paid: nothing was charged, so there is nothing to refund.
			w.queue.MarkFailed(ctx, g.ID, "generation failed, please try again")
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("provider job %s still pending after %s", args.TaskID, w.maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if interval *= 2; interval > w.maxInterval {
			interval = w.maxInterval
		}
	}
}
