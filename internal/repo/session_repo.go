package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/model"
)

// SessionRepo defines the interface for play session repository operations.
type SessionRepo interface {
	Create(ctx context.Context, session model.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Session, error)
	MarkFinished(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a new SessionRepo instance backed by Postgres.
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

// Create inserts a new session.
func (r *sessionRepo) Create(ctx context.Context, s model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, listing_id, participant_id, status, checked_in_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.ListingID, s.ParticipantID, string(s.Status), s.CheckedInAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID.
func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var s model.Session
	err := r.db.QueryRowContext(ctx, `
		SELECT id, listing_id, participant_id, status, checked_in_at, finished_at
		FROM sessions
		WHERE id = $1
	`, id).Scan(&s.ID, &s.ListingID, &s.ParticipantID, (*string)(&s.Status), &s.CheckedInAt, &s.FinishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Session{}, ErrNoRows
		}
		return model.Session{}, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

// MarkFinished transitions the session ACTIVE -> FINISHED. Returns false
// when the session was not ACTIVE, so a repeated finish is detectable.
func (r *sessionRepo) MarkFinished(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'FINISHED', finished_at = $2
		WHERE id = $1 AND status = 'ACTIVE'
	`, id, finishedAt)
	if err != nil {
		return false, fmt.Errorf("finish session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish session rows: %w", err)
	}
	return n == 1, nil
}
