package generation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamframe/backend/internal/models"
)

// ErrNotFound is returned when no generation record matches.
var ErrNotFound = errors.New("generation not found")

// ErrInvalidTransition is returned when a status update targets a record that
// is already in a terminal state (or not in the expected source state).
// Terminal records are never silently overwritten.
var ErrInvalidTransition = errors.New("invalid status transition")

const genColumns = `id, user_id, status, gen_type, provider, model_sku, payload, credits_cost,
	credits_deducted, provider_task_id, result, error, created_at, started_at, completed_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, g *models.Generation) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO generations (id, user_id, status, gen_type, provider, model_sku, payload, credits_cost, credits_deducted, provider_task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, g.ID, g.UserID, g.Status, g.Type, g.Provider, g.ModelSKU, g.Payload, g.CreditsCost, g.CreditsDeducted, g.ProviderTaskID).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+genColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

// GetForUser fetches a record only if it belongs to userID. Callers use this
// for cancel/status queries so one user cannot touch another's records.
func (r *Repository) GetForUser(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+genColumns+` FROM generations WHERE id = $1 AND user_id = $2`, id, userID)
	return scanGeneration(row)
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+genColumns+` FROM generations WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

// CountQueued returns the number of queued records for the user. The queue
// position derived from it is an advisory ordering hint, not a scheduling
// contract.
func (r *Repository) CountQueued(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM generations WHERE user_id = $1 AND status = $2
	`, userID, models.GenerationStatusQueued).Scan(&n)
	return n, err
}

// SetCreditsDeducted records that the ledger debit for this generation exists.
func (r *Repository) SetCreditsDeducted(ctx context.Context, id uuid.UUID, cost int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET credits_deducted = true, credits_cost = $2, updated_at = now()
		WHERE id = $1
	`, id, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessing moves a queued record to processing and stamps started_at.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID, providerTaskID *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $2, provider_task_id = COALESCE($3, provider_task_id), started_at = now(), updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, models.GenerationStatusProcessing, providerTaskID, models.GenerationStatusQueued)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, tag.RowsAffected())
}

// MarkCompleted moves a non-terminal record to completed, storing the result
// and stamping completed_at.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, result []byte) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $2, result = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.GenerationStatusCompleted, result,
		models.GenerationStatusQueued, models.GenerationStatusProcessing)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, tag.RowsAffected())
}

// MarkFailed moves a non-terminal record to failed and records the error text.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $2, error = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.GenerationStatusFailed, errText,
		models.GenerationStatusQueued, models.GenerationStatusProcessing)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, tag.RowsAffected())
}

// MarkCancelled moves a queued or processing record to cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.GenerationStatusCancelled,
		models.GenerationStatusQueued, models.GenerationStatusProcessing)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, tag.RowsAffected())
}

// SetProviderTaskID stores the async job handle the provider returned.
func (r *Repository) SetProviderTaskID(ctx context.Context, id uuid.UUID, taskID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET provider_task_id = $2, updated_at = now() WHERE id = $1
	`, id, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record outright. Only the admission rollback path uses it.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM generations WHERE id = $1`, id)
	return err
}

// ListQueuedBefore returns ids of records that have sat in queued since
// before cutoff. Under normal operation a queued record is picked up within
// seconds; anything older lost its dispatch job (e.g. a crash between the
// admission commit and the job insert).
func (r *Repository) ListQueuedBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM generations WHERE status = $1 AND created_at < $2
	`, models.GenerationStatusQueued, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalBefore purges terminal records older than cutoff. Best-effort
// housekeeping; returns how many rows went away.
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM generations
		WHERE completed_at < $1 AND status IN ($2, $3, $4)
	`, cutoff, models.GenerationStatusCompleted, models.GenerationStatusFailed, models.GenerationStatusCancelled)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// checkTransition distinguishes "no such record" from "record was in the
// wrong (usually terminal) state" when a guarded UPDATE touched zero rows.
func (r *Repository) checkTransition(ctx context.Context, id uuid.UUID, rowsAffected int64) error {
	if rowsAffected > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.UserID, &g.Status, &g.Type, &g.Provider, &g.ModelSKU, &g.Payload, &g.CreditsCost,
		&g.CreditsDeducted, &g.ProviderTaskID, &g.Result, &g.Error, &g.CreatedAt, &g.StartedAt, &g.CompletedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
