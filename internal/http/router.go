package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tawla/server/internal/auth"
	"github.com/tawla/server/internal/http/handlers"
	"github.com/tawla/server/internal/middleware"
	"github.com/tawla/server/internal/repo"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	authHandler *handlers.AuthHandler,
	listingHandler *handlers.ListingHandler,
	checkinHandler *handlers.CheckinHandler,
	jwtService *auth.JWTService,
	userRepo repo.UserRepo,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/otp/request", authHandler.HandleRequestOTP)
		r.Post("/otp/verify", authHandler.HandleVerifyOTP)
	})

	// Discovery is public; everything else requires a valid JWT.
	r.Get("/listings", listingHandler.HandleDiscover)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(jwtService, userRepo))

		r.Get("/me", authHandler.HandleMe)

		r.Post("/listings", listingHandler.HandleCreate)
		r.Get("/listings/{listingID}/requests", listingHandler.HandleListRequests)
		r.Post("/{listingID}/requests", listingHandler.HandleSubmitRequest)
		r.Post("/requests/{requestID}/accept", listingHandler.HandleAcceptRequest)

		r.Post("/checkin", checkinHandler.HandleCheckIn)
		r.Post("/checkin/finish", checkinHandler.HandleFinish)
	})

	return r
}
