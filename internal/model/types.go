package model

import (
	"time"

	"github.com/google/uuid"
)

// Game is one of the supported card games.
type Game string

const (
	GameTrix    Game = "Trix"
	GameBaloot  Game = "Baloot"
	GameTarneeb Game = "Tarneeb"
	GameHand    Game = "Hand"
	GameBanakel Game = "Banakel"
)

// Games lists every supported game, in display order.
var Games = []Game{GameTrix, GameBaloot, GameTarneeb, GameHand, GameBanakel}

// Valid reports whether g names a supported game.
func (g Game) Valid() bool {
	for _, known := range Games {
		if g == known {
			return true
		}
	}
	return false
}

// ListingStatus is the lifecycle state of a listing.
// COMPLETED and EXPIRED are terminal.
type ListingStatus string

const (
	ListingOpen       ListingStatus = "OPEN"
	ListingReserved   ListingStatus = "RESERVED"
	ListingInProgress ListingStatus = "IN_PROGRESS"
	ListingCompleted  ListingStatus = "COMPLETED"
	ListingExpired    ListingStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s ListingStatus) Terminal() bool {
	return s == ListingCompleted || s == ListingExpired
}

// RequestStatus is the lifecycle state of a join request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestAccepted   RequestStatus = "ACCEPTED"
	RequestRejected   RequestStatus = "REJECTED"
	RequestSuperseded RequestStatus = "SUPERSEDED"
)

// SessionStatus is the lifecycle state of a play session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "ACTIVE"
	SessionFinished SessionStatus = "FINISHED"
)

// User represents a phone-verified identity.
type User struct {
	ID          uuid.UUID
	PhoneNumber string
	CreatedAt   time.Time
}

// Listing is a hosted, time-bounded invitation to join a card-game table
// at a location. ExpiresAt is fixed at creation and never extended.
type Listing struct {
	ID        uuid.UUID
	HostID    uuid.UUID
	Game      Game
	Skill     *string
	Language  *string
	VenueName *string
	Lat       float64
	Lng       float64
	Status    ListingStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ListingWithDistance is a discovery result: a listing plus its
// great-circle distance from the query point.
type ListingWithDistance struct {
	Listing
	DistanceKm float64
}

// JoinRequest is a guest's pending claim on a listing. Many requests may
// reference one listing; at most one ever reaches ACCEPTED.
type JoinRequest struct {
	ID          uuid.UUID
	ListingID   uuid.UUID
	RequesterID uuid.UUID
	Status      RequestStatus
	CreatedAt   time.Time
}

// JoinToken is the stored form of a single-use check-in credential.
// Only the SHA-256 hash of the plaintext token is kept.
type JoinToken struct {
	TokenHash  string
	ListingID  uuid.UUID
	UserID     uuid.UUID
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// Session records an in-progress or completed meetup tied to one listing
// and one checked-in participant.
type Session struct {
	ID            uuid.UUID
	ListingID     uuid.UUID
	ParticipantID uuid.UUID
	Status        SessionStatus
	CheckedInAt   time.Time
	FinishedAt    *time.Time
}

// OtpSession represents an OTP session for phone verification.
type OtpSession struct {
	ID            uuid.UUID
	PhoneNumber   string
	OTPHash       []byte
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	CreatedAt     time.Time
	AttemptCount  int
	LastAttemptAt *time.Time
}
