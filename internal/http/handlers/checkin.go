package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/engine"
	"github.com/tawla/server/internal/middleware"
)

// CheckinHandler handles arrival check-in and session finish.
type CheckinHandler struct {
	engine *engine.Engine
}

// NewCheckinHandler creates a new check-in handler.
func NewCheckinHandler(eng *engine.Engine) *CheckinHandler {
	return &CheckinHandler{engine: eng}
}

type checkInRequest struct {
	ListingID string  `json:"listingId"`
	JoinToken string  `json:"joinToken"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

type checkInResponse struct {
	SessionID string `json:"sessionId"`
}

type finishRequest struct {
	SessionID string `json:"sessionId"`
}

// HandleCheckIn handles POST /checkin.
func (h *CheckinHandler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	listingID, err := uuid.Parse(strings.TrimSpace(req.ListingID))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	token := strings.TrimSpace(req.JoinToken)
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "joinToken is required")
		return
	}

	session, err := h.engine.CheckIn(r.Context(), listingID, token, userID, req.Lat, req.Lng)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, checkInResponse{SessionID: session.ID.String()})
}

// HandleFinish handles POST /checkin/finish.
func (h *CheckinHandler) HandleFinish(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sessionID, err := uuid.Parse(strings.TrimSpace(req.SessionID))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := h.engine.Finish(r.Context(), sessionID, userID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
