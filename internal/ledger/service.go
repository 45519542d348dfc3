package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/dreamframe/backend/internal/models"
)

// Service is the credit ledger contract. The queue manager and the poller
// depend on this interface, not on the pgx repository, so tests can substitute
// an in-memory ledger.
type Service interface {
	EnsureAccount(ctx context.Context, userID uuid.UUID, startingBalance int64) error
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	DebitIfAbsent(ctx context.Context, userID, key uuid.UUID, amount int64, reason string, metadata map[string]string) (WriteResult, error)
	Refund(ctx context.Context, userID, key uuid.UUID, amount int64, reason string, metadata map[string]string) (WriteResult, error)
	Entries(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) EnsureAccount(ctx context.Context, userID uuid.UUID, startingBalance int64) error {
	return s.repo.EnsureAccount(ctx, userID, startingBalance)
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

func (s *service) DebitIfAbsent(ctx context.Context, userID, key uuid.UUID, amount int64, reason string, metadata map[string]string) (WriteResult, error) {
	return s.repo.DebitIfAbsent(ctx, userID, key, amount, reason, metadata)
}

func (s *service) Refund(ctx context.Context, userID, key uuid.UUID, amount int64, reason string, metadata map[string]string) (WriteResult, error) {
	return s.repo.Refund(ctx, userID, key, amount, reason, metadata)
}

func (s *service) Entries(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error) {
	return s.repo.Entries(ctx, userID)
}
