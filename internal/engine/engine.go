// Package engine implements the listing lifecycle and reservation state
// machine: creation, discovery, join requests, host acceptance, geofenced
// check-in and session finish. Every listing status change goes through the
// repo's compare-and-swap, which keeps per-listing transitions linearizable
// without any cross-listing locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/events"
	"github.com/tawla/server/internal/geo"
	"github.com/tawla/server/internal/model"
	"github.com/tawla/server/internal/repo"
)

// TTL bounds for listings, in minutes.
const (
	MinTTLMinutes = 5
	MaxTTLMinutes = 60
)

// Config carries the tunable engine limits.
type Config struct {
	// MaxRadiusKm caps discovery queries to bound their cost.
	MaxRadiusKm float64
	// GeofenceMeters is the maximum allowed distance between a
	// participant's reported location and the listing's location at
	// check-in. The boundary is inclusive: distance <= geofence passes.
	GeofenceMeters float64
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxRadiusKm:    15,
		GeofenceMeters: 150,
	}
}

// Engine arbitrates the listing lifecycle. It never retries on the
// caller's behalf: conflict errors surface so clients can re-query.
type Engine struct {
	listings repo.ListingRepo
	requests repo.RequestRepo
	sessions repo.SessionRepo
	tokens   repo.TokenRepo
	events   events.Publisher
	cfg      Config

	// now is swappable so tests can simulate the passage of time.
	now func() time.Time
}

// New creates an engine over the given repositories. A nil publisher
// disables lifecycle events.
func New(
	listings repo.ListingRepo,
	requests repo.RequestRepo,
	sessions repo.SessionRepo,
	tokens repo.TokenRepo,
	publisher events.Publisher,
	cfg Config,
) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		listings: listings,
		requests: requests,
		sessions: sessions,
		tokens:   tokens,
		events:   publisher,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateListingInput is the host's request to post a table.
type CreateListingInput struct {
	HostID     uuid.UUID
	Game       model.Game
	Skill      *string
	Language   *string
	VenueName  *string
	TTLMinutes int
	RadiusKm   float64
	Lat        float64
	Lng        float64
}

// CreateListing validates the input and inserts a new OPEN listing.
// ExpiresAt is fixed here and never extended by any later transition.
func (e *Engine) CreateListing(ctx context.Context, in CreateListingInput) (model.Listing, error) {
	if !in.Game.Valid() {
		return model.Listing{}, fmt.Errorf("%w: unknown game %q", ErrValidation, in.Game)
	}
	if in.TTLMinutes < MinTTLMinutes || in.TTLMinutes > MaxTTLMinutes {
		return model.Listing{}, fmt.Errorf("%w: ttlMinutes must be in [%d,%d]", ErrValidation, MinTTLMinutes, MaxTTLMinutes)
	}
	if in.RadiusKm <= 0 || in.RadiusKm > e.cfg.MaxRadiusKm {
		return model.Listing{}, fmt.Errorf("%w: radiusKm must be in (0,%g]", ErrValidation, e.cfg.MaxRadiusKm)
	}
	if !geo.ValidCoordinates(in.Lat, in.Lng) {
		return model.Listing{}, fmt.Errorf("%w: lat/lng out of range", ErrValidation)
	}

	now := e.now()
	listing := model.Listing{
		ID:        uuid.New(),
		HostID:    in.HostID,
		Game:      in.Game,
		Skill:     in.Skill,
		Language:  in.Language,
		VenueName: in.VenueName,
		Lat:       in.Lat,
		Lng:       in.Lng,
		Status:    model.ListingOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(in.TTLMinutes) * time.Minute),
	}
	if err := e.listings.Create(ctx, listing); err != nil {
		return model.Listing{}, fmt.Errorf("create listing: %w", err)
	}

	e.events.Publish(ctx, events.Event{
		Type:       "listing.created",
		ListingID:  listing.ID,
		ToStatus:   string(model.ListingOpen),
		OccurredAt: now,
	})
	return listing, nil
}

// Discover returns OPEN listings within radiusKm of (lat, lng), optionally
// filtered by game, ordered by ascending distance. Distances are rounded
// to one decimal place. Radii beyond the cap are clamped, not rejected.
func (e *Engine) Discover(ctx context.Context, lat, lng, radiusKm float64, game model.Game) ([]model.ListingWithDistance, error) {
	if !geo.ValidCoordinates(lat, lng) {
		return nil, fmt.Errorf("%w: lat/lng out of range", ErrValidation)
	}
	if radiusKm <= 0 {
		return nil, fmt.Errorf("%w: radiusKm must be positive", ErrValidation)
	}
	if game != "" && !game.Valid() {
		return nil, fmt.Errorf("%w: unknown game %q", ErrValidation, game)
	}
	if radiusKm > e.cfg.MaxRadiusKm {
		radiusKm = e.cfg.MaxRadiusKm
	}

	results, err := e.listings.QueryNear(ctx, lat, lng, radiusKm, game, e.now())
	if err != nil {
		return nil, fmt.Errorf("query near: %w", err)
	}
	for i := range results {
		results[i].DistanceKm = geo.RoundKm(results[i].DistanceKm)
	}
	return results, nil
}

// SubmitRequest creates a PENDING join request against an OPEN listing.
// It does not change the listing's status.
func (e *Engine) SubmitRequest(ctx context.Context, listingID, requesterID uuid.UUID) (model.JoinRequest, error) {
	listing, err := e.listings.GetByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return model.JoinRequest{}, ErrListingNotFound
		}
		return model.JoinRequest{}, fmt.Errorf("load listing: %w", err)
	}
	if listing.HostID == requesterID {
		return model.JoinRequest{}, fmt.Errorf("%w: host cannot request own listing", ErrValidation)
	}
	now := e.now()
	if listing.Status != model.ListingOpen || !listing.ExpiresAt.After(now) {
		return model.JoinRequest{}, ErrListingNotJoinable
	}

	pending, err := e.requests.HasPending(ctx, listingID, requesterID)
	if err != nil {
		return model.JoinRequest{}, fmt.Errorf("check pending: %w", err)
	}
	if pending {
		return model.JoinRequest{}, ErrDuplicateRequest
	}

	req := model.JoinRequest{
		ID:          uuid.New(),
		ListingID:   listingID,
		RequesterID: requesterID,
		Status:      model.RequestPending,
		CreatedAt:   now,
	}
	if err := e.requests.Create(ctx, req); err != nil {
		return model.JoinRequest{}, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// ListRequests returns every join request for the listing. Host only.
func (e *Engine) ListRequests(ctx context.Context, listingID, callerID uuid.UUID) ([]model.JoinRequest, error) {
	listing, err := e.listings.GetByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("load listing: %w", err)
	}
	if listing.HostID != callerID {
		return nil, ErrForbidden
	}
	requests, err := e.requests.ListByListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}

// AcceptRequest reserves the listing for the chosen request and mints the
// join token. Acceptance is host-chosen, not first-come-first-served; the
// listing CAS OPEN->RESERVED is the linearization point, so under
// concurrent accepts exactly one succeeds and the rest see
// ErrListingAlreadyReserved with their requests left PENDING for a retry
// elsewhere. Whether an accept beats the expiry sweep on an over-deadline
// listing is likewise decided solely by the CAS.
func (e *Engine) AcceptRequest(ctx context.Context, requestID, hostID uuid.UUID) (token string, listingID uuid.UUID, err error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return "", uuid.Nil, ErrRequestNotFound
		}
		return "", uuid.Nil, fmt.Errorf("load request: %w", err)
	}

	listing, err := e.listings.GetByID(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return "", uuid.Nil, ErrListingNotFound
		}
		return "", uuid.Nil, fmt.Errorf("load listing: %w", err)
	}
	if listing.HostID != hostID {
		return "", uuid.Nil, ErrForbidden
	}
	if req.Status != model.RequestPending {
		return "", uuid.Nil, ErrRequestNotPending
	}

	swapped, err := e.listings.CompareAndSwapStatus(ctx, listing.ID, model.ListingOpen, model.ListingReserved)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("reserve listing: %w", err)
	}
	if !swapped {
		// Lost the race: already reserved or just expired. The request
		// stays PENDING so the caller can retry against another listing.
		return "", uuid.Nil, ErrListingAlreadyReserved
	}

	accepted, err := e.requests.CompareAndSwapStatus(ctx, req.ID, model.RequestPending, model.RequestAccepted)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("accept request: %w", err)
	}
	if !accepted {
		return "", uuid.Nil, ErrRequestNotPending
	}
	if err := e.requests.SupersedePending(ctx, listing.ID, req.ID); err != nil {
		return "", uuid.Nil, fmt.Errorf("supersede requests: %w", err)
	}

	plaintext, hashHex, err := GenerateJoinToken()
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("mint join token: %w", err)
	}
	if err := e.tokens.Create(ctx, model.JoinToken{
		TokenHash: hashHex,
		ListingID: listing.ID,
		UserID:    req.RequesterID,
		CreatedAt: e.now(),
	}); err != nil {
		return "", uuid.Nil, fmt.Errorf("store join token: %w", err)
	}

	e.publishTransition(ctx, listing.ID, model.ListingOpen, model.ListingReserved)
	return plaintext, listing.ID, nil
}

// CheckIn converts a join token plus physical proximity into an ACTIVE
// session and moves the listing RESERVED -> IN_PROGRESS. The token is
// single use; the geofence boundary is inclusive.
func (e *Engine) CheckIn(ctx context.Context, listingID uuid.UUID, token string, callerID uuid.UUID, lat, lng float64) (model.Session, error) {
	if !geo.ValidCoordinates(lat, lng) {
		return model.Session{}, fmt.Errorf("%w: lat/lng out of range", ErrValidation)
	}

	listing, err := e.listings.GetByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return model.Session{}, ErrListingNotFound
		}
		return model.Session{}, fmt.Errorf("load listing: %w", err)
	}

	stored, err := e.tokens.GetByHash(ctx, HashJoinToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return model.Session{}, ErrInvalidToken
		}
		return model.Session{}, fmt.Errorf("load token: %w", err)
	}
	if stored.ListingID != listingID || stored.UserID != callerID || stored.ConsumedAt != nil {
		return model.Session{}, ErrInvalidToken
	}

	now := e.now()
	// A structurally valid token is still useless once the listing's TTL
	// has elapsed, even before the sweeper has retired it.
	if listing.Status == model.ListingExpired || !listing.ExpiresAt.After(now) {
		return model.Session{}, ErrListingExpired
	}
	if listing.Status != model.ListingReserved {
		return model.Session{}, ErrListingNotReserved
	}

	if geo.DistanceMeters(lat, lng, listing.Lat, listing.Lng) > e.cfg.GeofenceMeters {
		return model.Session{}, ErrOutOfRange
	}

	consumed, err := e.tokens.Consume(ctx, stored.TokenHash, now)
	if err != nil {
		return model.Session{}, fmt.Errorf("consume token: %w", err)
	}
	if !consumed {
		return model.Session{}, ErrInvalidToken
	}

	swapped, err := e.listings.CompareAndSwapStatus(ctx, listingID, model.ListingReserved, model.ListingInProgress)
	if err != nil {
		return model.Session{}, fmt.Errorf("start listing: %w", err)
	}
	if !swapped {
		// Raced with the sweeper or a concurrent transition between our
		// status read and the swap.
		current, err := e.listings.GetByID(ctx, listingID)
		if err == nil && current.Status == model.ListingExpired {
			return model.Session{}, ErrListingExpired
		}
		return model.Session{}, ErrListingNotReserved
	}

	session := model.Session{
		ID:            uuid.New(),
		ListingID:     listingID,
		ParticipantID: callerID,
		Status:        model.SessionActive,
		CheckedInAt:   now,
	}
	if err := e.sessions.Create(ctx, session); err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}

	e.publishTransition(ctx, listingID, model.ListingReserved, model.ListingInProgress)
	return session, nil
}

// Finish terminates an ACTIVE session and completes the listing. Allowed
// for the session's participant or the listing's host. A second finish on
// the same session returns ErrSessionNotActive.
func (e *Engine) Finish(ctx context.Context, sessionID, callerID uuid.UUID) error {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}

	listing, err := e.listings.GetByID(ctx, session.ListingID)
	if err != nil {
		if errors.Is(err, repo.ErrNoRows) {
			return ErrListingNotFound
		}
		return fmt.Errorf("load listing: %w", err)
	}
	if callerID != session.ParticipantID && callerID != listing.HostID {
		return ErrForbidden
	}

	finished, err := e.sessions.MarkFinished(ctx, sessionID, e.now())
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if !finished {
		return ErrSessionNotActive
	}

	swapped, err := e.listings.CompareAndSwapStatus(ctx, session.ListingID, model.ListingInProgress, model.ListingCompleted)
	if err != nil {
		return fmt.Errorf("complete listing: %w", err)
	}
	if swapped {
		e.publishTransition(ctx, session.ListingID, model.ListingInProgress, model.ListingCompleted)
	} else {
		// The sweeper may have expired the listing mid-session; the
		// session still finishes, the listing keeps its terminal state.
		log.Printf("finish: listing %s was not IN_PROGRESS, session %s finished anyway", session.ListingID, sessionID)
	}
	return nil
}

// ExpireDue retires every listing whose TTL has elapsed. Each transition
// uses the listing's currently observed status as the CAS precondition, so
// a concurrent legitimate transition is never clobbered: whichever commits
// first wins. Returns the number of listings expired.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.listings.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	expired := 0
	for _, l := range due {
		swapped, err := e.listings.CompareAndSwapStatus(ctx, l.ID, l.Status, model.ListingExpired)
		if err != nil {
			return expired, fmt.Errorf("expire listing %s: %w", l.ID, err)
		}
		if swapped {
			expired++
			e.publishTransition(ctx, l.ID, l.Status, model.ListingExpired)
		}
	}
	return expired, nil
}

func (e *Engine) publishTransition(ctx context.Context, listingID uuid.UUID, from, to model.ListingStatus) {
	e.events.Publish(ctx, events.Event{
		Type:       "listing.transitioned",
		ListingID:  listingID,
		FromStatus: string(from),
		ToStatus:   string(to),
		OccurredAt: e.now(),
	})
}
