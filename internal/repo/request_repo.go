package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/model"
)

// RequestRepo defines the interface for join request repository operations.
// Status changes use the same compare-and-swap discipline as listings, at
// the scope of a single request row.
type RequestRepo interface {
	Create(ctx context.Context, req model.JoinRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (model.JoinRequest, error)
	HasPending(ctx context.Context, listingID, requesterID uuid.UUID) (bool, error)
	ListByListing(ctx context.Context, listingID uuid.UUID) ([]model.JoinRequest, error)
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to model.RequestStatus) (bool, error)
	SupersedePending(ctx context.Context, listingID, exceptRequestID uuid.UUID) error
}

type requestRepo struct {
	db *sql.DB
}

// NewRequestRepo creates a new RequestRepo instance backed by Postgres.
func NewRequestRepo(db *sql.DB) RequestRepo {
	return &requestRepo{db: db}
}

// Create inserts a new join request.
func (r *requestRepo) Create(ctx context.Context, req model.JoinRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO join_requests (id, listing_id, requester_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.ListingID, req.RequesterID, string(req.Status), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert join request: %w", err)
	}
	return nil
}

// GetByID retrieves a join request by ID.
func (r *requestRepo) GetByID(ctx context.Context, id uuid.UUID) (model.JoinRequest, error) {
	var req model.JoinRequest
	err := r.db.QueryRowContext(ctx, `
		SELECT id, listing_id, requester_id, status, created_at
		FROM join_requests
		WHERE id = $1
	`, id).Scan(&req.ID, &req.ListingID, &req.RequesterID, (*string)(&req.Status), &req.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.JoinRequest{}, ErrNoRows
		}
		return model.JoinRequest{}, fmt.Errorf("query join request: %w", err)
	}
	return req, nil
}

// HasPending reports whether the requester already has a PENDING request
// against the listing.
func (r *requestRepo) HasPending(ctx context.Context, listingID, requesterID uuid.UUID) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM join_requests
		WHERE listing_id = $1 AND requester_id = $2 AND status = 'PENDING'
	`, listingID, requesterID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count pending requests: %w", err)
	}
	return count > 0, nil
}

// ListByListing returns every request for a listing, newest first.
func (r *requestRepo) ListByListing(ctx context.Context, listingID uuid.UUID) ([]model.JoinRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, listing_id, requester_id, status, created_at
		FROM join_requests
		WHERE listing_id = $1
		ORDER BY created_at DESC
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []model.JoinRequest
	for rows.Next() {
		var req model.JoinRequest
		if err := rows.Scan(&req.ID, &req.ListingID, &req.RequesterID, (*string)(&req.Status), &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan join request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate join requests: %w", err)
	}
	return requests, nil
}

// CompareAndSwapStatus transitions the request from one status to another;
// returns false when the current status differs from `from`.
func (r *requestRepo) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to model.RequestStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE join_requests SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("cas request status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas request status rows: %w", err)
	}
	return n == 1, nil
}

// SupersedePending marks every PENDING request for the listing, except the
// accepted one, as SUPERSEDED.
func (r *requestRepo) SupersedePending(ctx context.Context, listingID, exceptRequestID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE join_requests SET status = 'SUPERSEDED'
		WHERE listing_id = $1 AND status = 'PENDING' AND id <> $2
	`, listingID, exceptRequestID)
	if err != nil {
		return fmt.Errorf("supersede pending requests: %w", err)
	}
	return nil
}
