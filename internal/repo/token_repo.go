package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tawla/server/internal/model"
)

// TokenRepo defines the interface for join token repository operations.
// Tokens are stored by hash only; Consume is the single-use gate.
type TokenRepo interface {
	Create(ctx context.Context, token model.JoinToken) error
	GetByHash(ctx context.Context, tokenHash string) (model.JoinToken, error)
	Consume(ctx context.Context, tokenHash string, consumedAt time.Time) (bool, error)
}

type tokenRepo struct {
	db *sql.DB
}

// NewTokenRepo creates a new TokenRepo instance backed by Postgres.
func NewTokenRepo(db *sql.DB) TokenRepo {
	return &tokenRepo{db: db}
}

// Create inserts a new join token record.
func (r *tokenRepo) Create(ctx context.Context, t model.JoinToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO join_tokens (token_hash, listing_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, t.TokenHash, t.ListingID, t.UserID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert join token: %w", err)
	}
	return nil
}

// GetByHash retrieves a join token by its hash.
func (r *tokenRepo) GetByHash(ctx context.Context, tokenHash string) (model.JoinToken, error) {
	var t model.JoinToken
	err := r.db.QueryRowContext(ctx, `
		SELECT token_hash, listing_id, user_id, created_at, consumed_at
		FROM join_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&t.TokenHash, &t.ListingID, &t.UserID, &t.CreatedAt, &t.ConsumedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.JoinToken{}, ErrNoRows
		}
		return model.JoinToken{}, fmt.Errorf("query join token: %w", err)
	}
	return t, nil
}

// Consume marks the token consumed. Returns false when it was already
// consumed, making the token single use under concurrent check-ins.
func (r *tokenRepo) Consume(ctx context.Context, tokenHash string, consumedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE join_tokens SET consumed_at = $2
		WHERE token_hash = $1 AND consumed_at IS NULL
	`, tokenHash, consumedAt)
	if err != nil {
		return false, fmt.Errorf("consume join token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume join token rows: %w", err)
	}
	return n == 1, nil
}
