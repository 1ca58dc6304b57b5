package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/model"
)

// UserRepo defines the interface for user repository operations.
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	GetOrCreateByPhone(ctx context.Context, phone string) (model.User, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance backed by Postgres.
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves a user by ID.
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	var user model.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone_number, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.PhoneNumber, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, ErrNoRows
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetByPhone retrieves a user by phone number.
func (r *userRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	var user model.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone_number, created_at
		FROM users
		WHERE phone_number = $1
	`, phone).Scan(&user.ID, &user.PhoneNumber, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, ErrNoRows
		}
		return model.User{}, fmt.Errorf("query user by phone: %w", err)
	}
	return user, nil
}

// GetOrCreateByPhone retrieves a user by phone number, creating one if it
// does not exist. ON CONFLICT DO NOTHING keeps concurrent first logins from
// the same phone race-free.
func (r *userRepo) GetOrCreateByPhone(ctx context.Context, phone string) (model.User, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (phone_number)
		VALUES ($1)
		ON CONFLICT (phone_number) DO NOTHING
	`, phone)
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return r.GetByPhone(ctx, phone)
}
