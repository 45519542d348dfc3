package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamframe/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new account with the given starting credit balance.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string, startingBalance int64) (*models.Account, error) {
	a := &models.Account{
		Email:       email,
		DisplayName: displayName,
		Balance:     startingBalance,
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, display_name, balance)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, email, passwordHash, displayName, startingBalance).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByEmail returns the account and password hash for login. Returns a nil
// account when the email is unknown.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Account, string, error) {
	var a models.Account
	var passwordHash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, balance, password_hash, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email).Scan(&a.ID, &a.Email, &a.DisplayName, &a.Balance, &passwordHash, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &a, passwordHash, nil
}
