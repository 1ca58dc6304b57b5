package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tawla/server/internal/auth"
	"github.com/tawla/server/internal/middleware"
)

// AuthHandler handles phone-OTP login endpoints.
type AuthHandler struct {
	authService     *auth.Service
	otpProvider     auth.OtpProvider
	devMode         bool
	ipLimiter       *middleware.RateLimiter
	verifyIPLimiter *middleware.RateLimiter
}

// NewAuthHandler creates a new auth handler. Per-IP limits guard the OTP
// endpoints; the per-phone limit lives in the provider.
func NewAuthHandler(authService *auth.Service, otpProvider auth.OtpProvider, devMode bool) *AuthHandler {
	return &AuthHandler{
		authService:     authService,
		otpProvider:     otpProvider,
		devMode:         devMode,
		ipLimiter:       middleware.NewRateLimiter(10*time.Minute, 10),
		verifyIPLimiter: middleware.NewRateLimiter(10*time.Minute, 20),
	}
}

type requestOTPRequest struct {
	Phone string `json:"phone"`
}

type requestOTPResponse struct {
	Message string `json:"message"`
	DevOTP  string `json:"dev_otp,omitempty"`
}

type verifyOTPRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type userResponse struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
}

type verifyOTPResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// HandleRequestOTP handles POST /auth/otp/request.
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" {
		respondWithError(w, http.StatusBadRequest, "phone is required")
		return
	}

	if !h.ipLimiter.Allow(middleware.IPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.otpProvider.RequestOTP(r.Context(), req.Phone); err != nil {
		log.Printf("request OTP for %s: %v", maskPhone(req.Phone), err)
		if strings.Contains(err.Error(), "rate limit") {
			respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to request OTP")
		return
	}

	resp := requestOTPResponse{Message: "otp_sent"}
	if h.devMode {
		resp.DevOTP = auth.DevCode
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleVerifyOTP handles POST /auth/otp/verify.
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	req.Code = strings.TrimSpace(req.Code)
	if req.Phone == "" || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "phone and code are required")
		return
	}

	if !h.verifyIPLimiter.Allow(middleware.IPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	user, token, err := h.authService.VerifyOTPAndIssueAccessToken(r.Context(), req.Phone, req.Code)
	if err != nil {
		log.Printf("verify OTP for %s: %v", maskPhone(req.Phone), err)
		respondWithError(w, http.StatusUnauthorized, "invalid or expired OTP")
		return
	}

	respondJSON(w, http.StatusOK, verifyOTPResponse{
		Token: token,
		User: userResponse{
			ID:    user.ID.String(),
			Phone: user.PhoneNumber,
		},
	})
}

// HandleMe handles GET /me. Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, userResponse{
		ID:    user.ID.String(),
		Phone: user.PhoneNumber,
	})
}

// maskPhone masks a phone number for logging (e.g. +9******67).
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
