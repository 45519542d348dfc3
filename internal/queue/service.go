package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dreamframe/backend/internal/events"
	"github.com/dreamframe/backend/internal/generation"
	"github.com/dreamframe/backend/internal/ledger"
	"github.com/dreamframe/backend/internal/models"
	"github.com/dreamframe/backend/internal/poller"
	"github.com/dreamframe/backend/internal/pricing"
)

// ErrInsufficientCredits mirrors the ledger sentinel so handlers only import
// this package.
var ErrInsufficientCredits = ledger.ErrInsufficientCredits

// ErrLedgerWrite wraps a storage failure during the admission debit. The
// half-created record has been deleted by the time callers see it.
var ErrLedgerWrite = errors.New("ledger write failed")

// RecordRepo is the slice of the generation repository the queue manager
// needs. *generation.Repository satisfies it.
type RecordRepo interface {
	Create(ctx context.Context, g *models.Generation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	GetForUser(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error)
	CountQueued(ctx context.Context, userID uuid.UUID) (int, error)
	SetCreditsDeducted(ctx context.Context, id uuid.UUID, cost int64) error
	MarkProcessing(ctx context.Context, id uuid.UUID, providerTaskID *string) error
	MarkCompleted(ctx context.Context, id uuid.UUID, result []byte) error
	MarkFailed(ctx context.Context, id uuid.UUID, errText string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	SetProviderTaskID(ctx context.Context, id uuid.UUID, taskID string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Locker serializes admissions per user. Advisory only; correctness rests on
// the ledger's conditional write.
type Locker interface {
	WithUserLock(ctx context.Context, userID uuid.UUID, fn func() error) error
}

// CompletionPublisher emits the fire-and-forget completed event.
type CompletionPublisher interface {
	PublishCompleted(ev events.CompletedEvent)
}

// EnqueueGenerateFunc hands a generation to the background dispatcher,
// typically a closure over river.Client.Insert.
type EnqueueGenerateFunc func(ctx context.Context, args poller.GenerateArgs) error

// AdmitRequest is one generation request entering the queue.
type AdmitRequest struct {
	Type     string
	Provider string
	ModelSKU string
	Payload  []byte
	// Params are the requested billable parameters. Pre-paid SKUs are priced
	// from these at admission; post-paid SKUs are priced from the provider's
	// confirmed parameters at resolution instead.
	Params pricing.Params
}

// Admission is the caller-visible outcome of Admit.
type Admission struct {
	QueueID       uuid.UUID
	QueuePosition int
	CreditsCost   int64
}

// Service is the queue manager: the only component that creates generation
// records or decides when a debit or refund happens.
type Service struct {
	records         RecordRepo
	ledger          ledger.Service
	locker          Locker
	publisher       CompletionPublisher
	enqueueGenerate EnqueueGenerateFunc
	startingCredits int64
	log             *slog.Logger
}

func NewService(
	records RecordRepo,
	ledgerSvc ledger.Service,
	locker Locker,
	publisher CompletionPublisher,
	enqueueGenerate EnqueueGenerateFunc,
	startingCredits int64,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		records:         records,
		ledger:          ledgerSvc,
		locker:          locker,
		publisher:       publisher,
		enqueueGenerate: enqueueGenerate,
		startingCredits: startingCredits,
		log:             log,
	}
}

// Admit checks balance, creates the record, charges pre-paid cost, and hands
// the generation to the background dispatcher. Either every step lands or the
// record is gone: a queued record with an errored debit is deleted before the
// error surfaces, so nothing ever looks paid-for without a ledger entry.
func (s *Service) Admit(ctx context.Context, userID uuid.UUID, req AdmitRequest) (*Admission, error) {
	if !pricing.Known(req.ModelSKU) {
		return nil, fmt.Errorf("unknown model sku %q", req.ModelSKU)
	}

	var cost int64
	if !pricing.IsPostPaid(req.ModelSKU) {
		c, err := pricing.ComputeCost(req.ModelSKU, req.Params)
		if err != nil {
			return nil, err
		}
		cost = c
	}

	var adm *Admission
	err := s.locker.WithUserLock(ctx, userID, func() error {
		a, err := s.admitLocked(ctx, userID, req, cost)
		adm = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return adm, nil
}

func (s *Service) admitLocked(ctx context.Context, userID uuid.UUID, req AdmitRequest, cost int64) (*Admission, error) {
	if err := s.ledger.EnsureAccount(ctx, userID, s.startingCredits); err != nil {
		return nil, err
	}

	if cost > 0 {
		balance, err := s.ledger.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if balance < cost {
			return nil, ErrInsufficientCredits
		}
	}

	queued, err := s.records.CountQueued(ctx, userID)
	if err != nil {
		return nil, err
	}
	position := queued + 1

	g := &models.Generation{
		ID:       uuid.New(),
		UserID:   userID,
		Status:   models.GenerationStatusQueued,
		Type:     req.Type,
		Provider: req.Provider,
		ModelSKU: req.ModelSKU,
		Payload:  req.Payload,
		// Post-paid generations are created uncharged; CreditsCost stays zero
		// until the provider confirms the billable parameters.
		CreditsCost:     cost,
		CreditsDeducted: false,
	}
	if err := s.records.Create(ctx, g); err != nil {
		return nil, err
	}

	if cost > 0 {
		if _, err := s.ledger.DebitIfAbsent(ctx, userID, g.ID, cost, s.debitReason(g), map[string]string{"model_sku": g.ModelSKU}); err != nil {
			// Credits were not deducted; the record must not survive to be
			// mistaken for paid later.
			if delErr := s.records.Delete(ctx, g.ID); delErr != nil {
				s.log.Error("admit: rollback delete failed", "generation_id", g.ID, "error", delErr)
			}
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				return nil, ErrInsufficientCredits
			}
			return nil, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		if err := s.records.SetCreditsDeducted(ctx, g.ID, cost); err != nil {
			// The debit committed but the record does not reflect it, so a
			// later cancel or failure would never refund. Undo both sides.
			if _, rErr := s.ledger.Refund(ctx, userID, g.ID, cost, "refund.admission", map[string]string{"model_sku": g.ModelSKU}); rErr != nil {
				s.log.Error("admit: rollback refund failed", "generation_id", g.ID, "error", rErr)
			}
			if delErr := s.records.Delete(ctx, g.ID); delErr != nil {
				s.log.Error("admit: rollback delete failed", "generation_id", g.ID, "error", delErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
	}

	if err := s.enqueueGenerate(ctx, poller.GenerateArgs{GenerationID: g.ID, UserID: userID}); err != nil {
		// The record is paid for; fail it so the refund path runs.
		s.MarkFailed(ctx, g.ID, "failed to enqueue generation")
		return nil, fmt.Errorf("enqueue generation: %w", err)
	}

	return &Admission{QueueID: g.ID, QueuePosition: position, CreditsCost: cost}, nil
}

// Cancel is valid only while the record is queued or processing. It does not
// interrupt an in-flight provider call; a later completion hits the terminal
// guard and is ignored. Returns whether a refund was actually written.
func (s *Service) Cancel(ctx context.Context, userID, genID uuid.UUID) (bool, error) {
	g, err := s.records.GetForUser(ctx, userID, genID)
	if err != nil {
		return false, err
	}
	if err := s.records.MarkCancelled(ctx, g.ID); err != nil {
		return false, err
	}
	if !g.CreditsDeducted {
		return false, nil
	}
	res, err := s.ledger.Refund(ctx, userID, g.ID, g.CreditsCost, "refund.cancel", map[string]string{"model_sku": g.ModelSKU})
	if err != nil {
		// Cancelled state already committed; surface the refund failure.
		return false, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	return res == ledger.WriteApplied, nil
}

// MarkFailed transitions the record to failed and refunds if charged. It runs
// from background and cleanup paths where a thrown error would itself be
// unhandled, so it never returns one: every failure is logged and swallowed.
func (s *Service) MarkFailed(ctx context.Context, genID uuid.UUID, errText string) {
	g, err := s.records.GetByID(ctx, genID)
	if err != nil {
		s.log.Error("mark failed: load record", "generation_id", genID, "error", err)
		return
	}
	if err := s.records.MarkFailed(ctx, genID, errText); err != nil {
		// Already terminal is fine (e.g. cancelled while the provider call was
		// in flight); anything else is logged.
		if !errors.Is(err, generation.ErrInvalidTransition) {
			s.log.Error("mark failed: transition", "generation_id", genID, "error", err)
		}
		return
	}
	if !g.CreditsDeducted {
		return
	}
	if _, err := s.ledger.Refund(ctx, g.UserID, g.ID, g.CreditsCost, "refund.failure", map[string]string{"model_sku": g.ModelSKU}); err != nil {
		s.log.Error("mark failed: refund", "generation_id", genID, "error", err)
	}
}

// MarkProcessing records that the provider accepted the generation.
func (s *Service) MarkProcessing(ctx context.Context, genID uuid.UUID, providerTaskID *string) error {
	return s.records.MarkProcessing(ctx, genID, providerTaskID)
}

// SetProviderTask stores the async job handle once the provider returns one.
func (s *Service) SetProviderTask(ctx context.Context, genID uuid.UUID, taskID string) error {
	return s.records.SetProviderTaskID(ctx, genID, taskID)
}

// Record loads a generation without owner scoping, for background workers.
func (s *Service) Record(ctx context.Context, genID uuid.UUID) (*models.Generation, error) {
	return s.records.GetByID(ctx, genID)
}

// Complete transitions the record to completed, settles post-paid pricing
// from the provider-confirmed parameters, and publishes the completion event.
// Safe to call repeatedly for the same record: the status transition tolerates
// "already terminal" and the debit is keyed by the record id, so duplicate
// polls settle at most once.
func (s *Service) Complete(ctx context.Context, genID uuid.UUID, result []byte, finalParams pricing.Params) error {
	g, err := s.records.GetByID(ctx, genID)
	if err != nil {
		return err
	}

	completedNow := true
	if err := s.records.MarkCompleted(ctx, genID, result); err != nil {
		if !errors.Is(err, generation.ErrInvalidTransition) {
			return err
		}
		// Already terminal. Cancelled/failed records are not settled.
		if g.Status != models.GenerationStatusCompleted {
			return nil
		}
		completedNow = false
	}

	settledNow := false
	cost := g.CreditsCost
	if !g.CreditsDeducted && pricing.IsPostPaid(g.ModelSKU) {
		cost, err = pricing.ComputeCost(g.ModelSKU, finalParams)
		if err != nil {
			return err
		}
		res, err := s.ledger.DebitIfAbsent(ctx, g.UserID, g.ID, cost, s.debitReason(g), map[string]string{"model_sku": g.ModelSKU})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		settledNow = res == ledger.WriteApplied
		if err := s.records.SetCreditsDeducted(ctx, g.ID, cost); err != nil {
			return err
		}
	}

	// Only the pass that actually completed or settled the record emits the
	// event; a redelivered resolve stays silent. PublishCompleted itself is
	// fire-and-forget and never fails this path.
	if !completedNow && !settledNow {
		return nil
	}
	s.publisher.PublishCompleted(events.CompletedEvent{
		GenerationID: g.ID,
		UserID:       g.UserID,
		Type:         g.Type,
		Provider:     g.Provider,
		ModelSKU:     g.ModelSKU,
		CreditsCost:  cost,
		CompletedAt:  time.Now().UTC(),
	})
	return nil
}

// Get returns a record scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, genID uuid.UUID) (*models.Generation, error) {
	return s.records.GetForUser(ctx, userID, genID)
}

// List returns the user's generation history, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error) {
	return s.records.ListByUser(ctx, userID)
}

func (s *Service) debitReason(g *models.Generation) string {
	return fmt.Sprintf("queue.%s.%s", g.Provider, g.Type)
}
