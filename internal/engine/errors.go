package engine

import "errors"

// Engine error taxonomy. Handlers map these onto HTTP statuses with
// errors.Is; anything not listed here surfaces as an opaque internal error.
var (
	// ErrValidation covers malformed input the caller can correct.
	ErrValidation = errors.New("validation error")

	// ErrForbidden is an authorization failure, terminal for the call.
	ErrForbidden = errors.New("forbidden")

	ErrListingNotFound = errors.New("listing not found")
	ErrRequestNotFound = errors.New("request not found")
	ErrSessionNotFound = errors.New("session not found")

	// Conflicts: retryable by the caller against fresh state.
	ErrListingNotJoinable     = errors.New("listing not joinable")
	ErrDuplicateRequest       = errors.New("duplicate request")
	ErrListingAlreadyReserved = errors.New("listing already reserved")
	ErrListingNotReserved     = errors.New("listing not reserved")
	ErrListingExpired         = errors.New("listing expired")
	ErrRequestNotPending      = errors.New("request not pending")
	ErrSessionNotActive       = errors.New("session not active")

	// Check-in specific: the caller must go back through the proper flow,
	// not retry blindly.
	ErrInvalidToken = errors.New("invalid join token")
	ErrOutOfRange   = errors.New("out of geofence range")
)
