package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// PostgresRepository extends SQLRepository with Postgres-only queue
// semantics: claiming the next runnable session with SKIP LOCKED so
// concurrent workers drain the backlog without blocking each other.
type PostgresRepository struct {
	*SQLRepository
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{SQLRepository: NewSQLRepository(db), db: db}
}

// ClaimNextPending leases the oldest PENDING session for ownerID.
// Returns ErrNotFound when the backlog is empty.
func (r *PostgresRepository) ClaimNextPending(ctx context.Context, ownerID string, duration time.Duration) (contracts.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	querySelect := `
		SELECT id
		FROM sessions
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	var id string
	if err := tx.QueryRowContext(ctx, querySelect).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Session{}, ErrNotFound
		}
		return contracts.Session{}, err
	}

	now := r.clock()
	queryUpdate := `
		UPDATE sessions
		SET leased_by = $1, leased_until = $2, updated_at = $3
		WHERE id = $4
	`
	if _, err := tx.ExecContext(ctx, queryUpdate, ownerID, now.Add(duration), now, id); err != nil {
		return contracts.Session{}, err
	}

	if err := tx.Commit(); err != nil {
		return contracts.Session{}, err
	}
	return r.LoadSession(ctx, id)
}
