package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/model"
)

// ListingRepo defines the interface for listing repository operations.
// CompareAndSwapStatus is the sole mutation path for a listing's status;
// every writer (acceptance, check-in, finish, expiry sweep) funnels
// through it so per-listing transitions stay linearizable.
type ListingRepo interface {
	Create(ctx context.Context, listing model.Listing) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Listing, error)
	QueryNear(ctx context.Context, lat, lng, radiusKm float64, game model.Game, now time.Time) ([]model.ListingWithDistance, error)
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to model.ListingStatus) (bool, error)
	ListExpired(ctx context.Context, now time.Time) ([]model.Listing, error)
}

type listingRepo struct {
	db *sql.DB
}

// NewListingRepo creates a new ListingRepo instance backed by Postgres.
func NewListingRepo(db *sql.DB) ListingRepo {
	return &listingRepo{db: db}
}

const listingColumns = `id, host_id, game, skill, language, venue_name, lat, lng, status, created_at, expires_at`

// Create inserts a new listing.
func (r *listingRepo) Create(ctx context.Context, l model.Listing) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO listings (id, host_id, game, skill, language, venue_name, lat, lng, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, l.ID, l.HostID, string(l.Game), l.Skill, l.Language, l.VenueName, l.Lat, l.Lng, string(l.Status), l.CreatedAt, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

// GetByID retrieves a listing by ID.
func (r *listingRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Listing, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE id = $1
	`, id)
	l, err := scanListing(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Listing{}, ErrNoRows
		}
		return model.Listing{}, fmt.Errorf("query listing: %w", err)
	}
	return l, nil
}

// QueryNear returns OPEN, unexpired listings within radiusKm of (lat, lng),
// ordered by ascending great-circle distance. The haversine distance is
// computed in SQL so ordering and the radius cut happen in one round trip.
func (r *listingRepo) QueryNear(ctx context.Context, lat, lng, radiusKm float64, game model.Game, now time.Time) ([]model.ListingWithDistance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT q.*
		FROM (
			SELECT `+listingColumns+`,
			       6371 * 2 * asin(sqrt(
			           power(sin(radians(($1 - lat) / 2)), 2) +
			           cos(radians(lat)) * cos(radians($1)) *
			           power(sin(radians(($2 - lng) / 2)), 2)
			       )) AS distance_km
			FROM listings
			WHERE status = 'OPEN'
			  AND expires_at > $5
			  AND ($4 = '' OR game = $4)
		) q
		WHERE q.distance_km <= $3
		ORDER BY q.distance_km ASC
	`, lat, lng, radiusKm, string(game), now)
	if err != nil {
		return nil, fmt.Errorf("query near: %w", err)
	}
	defer rows.Close()

	var results []model.ListingWithDistance
	for rows.Next() {
		var lwd model.ListingWithDistance
		if err := rows.Scan(
			&lwd.ID, &lwd.HostID, (*string)(&lwd.Game), &lwd.Skill, &lwd.Language, &lwd.VenueName,
			&lwd.Lat, &lwd.Lng, (*string)(&lwd.Status), &lwd.CreatedAt, &lwd.ExpiresAt,
			&lwd.DistanceKm,
		); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		results = append(results, lwd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return results, nil
}

// CompareAndSwapStatus transitions the listing from one status to another.
// Returns false (no-op) when the current status differs from `from`; the
// single-statement UPDATE makes the swap atomic.
func (r *listingRepo) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to model.ListingStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE listings SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("cas listing status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas listing status rows: %w", err)
	}
	return n == 1, nil
}

// ListExpired returns listings that are past their deadline but still in a
// non-terminal status, for the expiry sweeper to retire.
func (r *listingRepo) ListExpired(ctx context.Context, now time.Time) ([]model.Listing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE status IN ('OPEN', 'RESERVED', 'IN_PROGRESS')
		  AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		if err := rows.Scan(
			&l.ID, &l.HostID, (*string)(&l.Game), &l.Skill, &l.Language, &l.VenueName,
			&l.Lat, &l.Lng, (*string)(&l.Status), &l.CreatedAt, &l.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan expired listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired listings: %w", err)
	}
	return listings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row rowScanner) (model.Listing, error) {
	var l model.Listing
	err := row.Scan(
		&l.ID, &l.HostID, (*string)(&l.Game), &l.Skill, &l.Language, &l.VenueName,
		&l.Lat, &l.Lng, (*string)(&l.Status), &l.CreatedAt, &l.ExpiresAt,
	)
	return l, err
}
