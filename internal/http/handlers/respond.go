package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/tawla/server/internal/engine"
)

// respondJSON writes a JSON body with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// respondWithError sends a JSON error response.
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses.
// Anything outside the taxonomy is an opaque internal error.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		respondWithError(w, http.StatusBadRequest, "validation_error")
	case errors.Is(err, engine.ErrInvalidToken):
		respondWithError(w, http.StatusBadRequest, "invalid_token")
	case errors.Is(err, engine.ErrForbidden):
		respondWithError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, engine.ErrOutOfRange):
		respondWithError(w, http.StatusForbidden, "out_of_range")
	case errors.Is(err, engine.ErrListingNotFound):
		respondWithError(w, http.StatusNotFound, "listing_not_found")
	case errors.Is(err, engine.ErrRequestNotFound):
		respondWithError(w, http.StatusNotFound, "request_not_found")
	case errors.Is(err, engine.ErrSessionNotFound):
		respondWithError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, engine.ErrListingNotJoinable):
		respondWithError(w, http.StatusConflict, "listing_not_joinable")
	case errors.Is(err, engine.ErrDuplicateRequest):
		respondWithError(w, http.StatusConflict, "duplicate_request")
	case errors.Is(err, engine.ErrListingAlreadyReserved):
		respondWithError(w, http.StatusConflict, "listing_already_reserved")
	case errors.Is(err, engine.ErrListingNotReserved):
		respondWithError(w, http.StatusConflict, "listing_not_reserved")
	case errors.Is(err, engine.ErrListingExpired):
		respondWithError(w, http.StatusConflict, "listing_expired")
	case errors.Is(err, engine.ErrRequestNotPending):
		respondWithError(w, http.StatusConflict, "request_not_pending")
	case errors.Is(err, engine.ErrSessionNotActive):
		respondWithError(w, http.StatusConflict, "session_not_active")
	default:
		log.Printf("internal error: %v", err)
		respondWithError(w, http.StatusInternalServerError, "internal_error")
	}
}
