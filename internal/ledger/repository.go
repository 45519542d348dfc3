package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamframe/backend/internal/models"
)

// ErrInsufficientCredits is returned when a debit would take the balance
// below zero. No entry is written and no balance changes.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrAccountNotFound is returned when the user has no account row.
var ErrAccountNotFound = errors.New("account not found")

// WriteResult reports the outcome of an idempotent ledger write.
type WriteResult int

const (
	// WriteApplied means the entry was inserted and the balance moved.
	WriteApplied WriteResult = iota
	// WriteSkipped means an entry for (user, key, direction) already existed;
	// the call was a no-op.
	WriteSkipped
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureAccount lazily creates the user's account row with the given starting
// balance. Safe to call concurrently: the insert is ON CONFLICT DO NOTHING.
func (r *Repository) EnsureAccount(ctx context.Context, userID uuid.UUID, startingBalance int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, balance)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, userID, startingBalance)
	return err
}

// Balance returns the user's current credit balance.
func (r *Repository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM accounts WHERE id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return balance, err
}

// DebitIfAbsent atomically writes a debit entry for (userID, key) and
// decrements the balance, as a single transaction. If a debit entry for the
// key already exists the call is a no-op and returns WriteSkipped, so it is
// safe to retry an unbounded number of times. Concurrent calls with the same
// key yield exactly one WriteApplied; the unique index on
// (user_id, idempotency_key, direction) is what serializes them, not any
// in-process lock.
func (r *Repository) DebitIfAbsent(ctx context.Context, userID, key uuid.UUID, amount int64, reason string, metadata map[string]string) (WriteResult, error) {
	return r.write(ctx, userID, key, models.LedgerDirectionDebit, amount, reason, metadata)
}

// Refund atomically writes a credit entry for (userID, key) and increments
// the balance. Keyed separately from the debit, so a charge and its refund
// coexist while a double-refund is rejected as WriteSkipped.
func (r *Repository) Refund(ctx context.Context, userID, key uuid.UUID, amount int64, reason string, metadata map[string]string) (WriteResult, error) {
	return r.write(ctx, userID, key, models.LedgerDirectionCredit, amount, reason, metadata)
}

func (r *Repository) write(ctx context.Context, userID, key uuid.UUID, direction string, amount int64, reason string, metadata map[string]string) (WriteResult, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: amount must be > 0, got %d", amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, idempotency_key, direction, amount, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, idempotency_key, direction) DO NOTHING
	`, uuid.New(), userID, key, direction, amount, reason, metadata)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		// Entry already exists; the balance already reflects it.
		return WriteSkipped, nil
	}

	if direction == models.LedgerDirectionDebit {
		tag, err = tx.Exec(ctx, `
			UPDATE accounts SET balance = balance - $1, updated_at = now()
			WHERE id = $2 AND balance >= $1
		`, amount, userID)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE accounts SET balance = balance + $1, updated_at = now()
			WHERE id = $2
		`, amount, userID)
	}
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		if direction == models.LedgerDirectionDebit {
			// Either the account is missing or the balance is too low.
			// Rolling back discards the entry insert.
			if _, balErr := r.Balance(ctx, userID); errors.Is(balErr, ErrAccountNotFound) {
				return 0, ErrAccountNotFound
			}
			return 0, ErrInsufficientCredits
		}
		return 0, ErrAccountNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return WriteApplied, nil
}

// Entries lists the user's ledger entries, newest first.
func (r *Repository) Entries(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, idempotency_key, direction, amount, reason, metadata, created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.IdempotencyKey, &e.Direction, &e.Amount, &e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
