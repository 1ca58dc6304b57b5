package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tawla/server/internal/engine"
	"github.com/tawla/server/internal/middleware"
	"github.com/tawla/server/internal/model"
)

// ListingHandler handles listing creation, discovery, join requests and
// host acceptance.
type ListingHandler struct {
	engine        *engine.Engine
	createLimiter *middleware.RateLimiter
}

// NewListingHandler creates a new listing handler. Creation is rate
// limited per user so one host cannot flood the map.
func NewListingHandler(eng *engine.Engine) *ListingHandler {
	return &ListingHandler{
		engine:        eng,
		createLimiter: middleware.NewRateLimiter(10*time.Minute, 10),
	}
}

type createListingRequest struct {
	Game       string  `json:"game"`
	Skill      *string `json:"skill,omitempty"`
	Language   *string `json:"language,omitempty"`
	VenueName  *string `json:"venueName,omitempty"`
	TTLMinutes int     `json:"ttlMinutes"`
	RadiusKm   float64 `json:"radiusKm"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

type listingResponse struct {
	ID         string   `json:"id"`
	HostID     string   `json:"hostId"`
	Game       string   `json:"game"`
	Skill      *string  `json:"skill,omitempty"`
	Language   *string  `json:"language,omitempty"`
	VenueName  *string  `json:"venueName,omitempty"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Status     string   `json:"status"`
	CreatedAt  string   `json:"createdAt"`
	ExpiresAt  string   `json:"expiresAt"`
	DistanceKm *float64 `json:"distanceKm,omitempty"`
}

func toListingResponse(l model.Listing) listingResponse {
	return listingResponse{
		ID:        l.ID.String(),
		HostID:    l.HostID.String(),
		Game:      string(l.Game),
		Skill:     l.Skill,
		Language:  l.Language,
		VenueName: l.VenueName,
		Lat:       l.Lat,
		Lng:       l.Lng,
		Status:    string(l.Status),
		CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: l.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

type requestResponse struct {
	ID          string `json:"id"`
	ListingID   string `json:"listingId"`
	RequesterID string `json:"requesterId"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

func toRequestResponse(req model.JoinRequest) requestResponse {
	return requestResponse{
		ID:          req.ID.String(),
		ListingID:   req.ListingID.String(),
		RequesterID: req.RequesterID.String(),
		Status:      string(req.Status),
		CreatedAt:   req.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// HandleCreate handles POST /listings.
func (h *ListingHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.createLimiter.Allow("user:" + userID.String()) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listing, err := h.engine.CreateListing(r.Context(), engine.CreateListingInput{
		HostID:     userID,
		Game:       model.Game(strings.TrimSpace(req.Game)),
		Skill:      req.Skill,
		Language:   req.Language,
		VenueName:  req.VenueName,
		TTLMinutes: req.TTLMinutes,
		RadiusKm:   req.RadiusKm,
		Lat:        req.Lat,
		Lng:        req.Lng,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]listingResponse{"listing": toListingResponse(listing)})
}

// HandleDiscover handles GET /listings?lat&lng&radiusKm&game.
func (h *ListingHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "lat is required")
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "lng is required")
		return
	}
	radiusKm, err := strconv.ParseFloat(q.Get("radiusKm"), 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "radiusKm is required")
		return
	}
	game := model.Game(strings.TrimSpace(q.Get("game")))

	results, err := h.engine.Discover(r.Context(), lat, lng, radiusKm, game)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	listings := make([]listingResponse, 0, len(results))
	for _, lwd := range results {
		resp := toListingResponse(lwd.Listing)
		d := lwd.DistanceKm
		resp.DistanceKm = &d
		listings = append(listings, resp)
	}
	respondJSON(w, http.StatusOK, map[string][]listingResponse{"listings": listings})
}

// HandleSubmitRequest handles POST /{listingID}/requests.
func (h *ListingHandler) HandleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	listingID, err := uuid.Parse(chi.URLParam(r, "listingID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	req, err := h.engine.SubmitRequest(r.Context(), listingID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]requestResponse{"request": toRequestResponse(req)})
}

// HandleListRequests handles GET /listings/{listingID}/requests (host only).
func (h *ListingHandler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	listingID, err := uuid.Parse(chi.URLParam(r, "listingID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	requests, err := h.engine.ListRequests(r.Context(), listingID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	out := make([]requestResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, toRequestResponse(req))
	}
	respondJSON(w, http.StatusOK, map[string][]requestResponse{"requests": out})
}

type acceptResponse struct {
	JoinToken string `json:"joinToken"`
	ListingID string `json:"listingId"`
}

// HandleAcceptRequest handles POST /requests/{requestID}/accept.
func (h *ListingHandler) HandleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	token, listingID, err := h.engine.AcceptRequest(r.Context(), requestID, userID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acceptResponse{
		JoinToken: token,
		ListingID: listingID.String(),
	})
}
