package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/tawla/server/internal/auth"
	"github.com/tawla/server/internal/config"
	"github.com/tawla/server/internal/db"
	"github.com/tawla/server/internal/engine"
	"github.com/tawla/server/internal/events"
	httphandler "github.com/tawla/server/internal/http"
	"github.com/tawla/server/internal/http/handlers"
	"github.com/tawla/server/internal/repo"
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context for startup operations
	ctx := context.Background()

	// Initialize repositories, either on Postgres or fully in memory
	var (
		userRepo    repo.UserRepo
		otpRepo     repo.OtpRepo
		listingRepo repo.ListingRepo
		requestRepo repo.RequestRepo
		sessionRepo repo.SessionRepo
		tokenRepo   repo.TokenRepo
	)
	if cfg.MemoryMode {
		log.Println("MEMORY_MODE enabled: all state is in-process and lost on restart")
		mem := repo.NewMemory()
		userRepo = mem.Users()
		otpRepo = mem.Otp()
		listingRepo = mem.Listings()
		requestRepo = mem.Requests()
		sessionRepo = mem.Sessions()
		tokenRepo = mem.Tokens()
	} else {
		database, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()

		if err := runMigrations(database); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		userRepo = repo.NewUserRepo(database)
		otpRepo = repo.NewOtpRepo(database)
		listingRepo = repo.NewListingRepo(database)
		requestRepo = repo.NewRequestRepo(database)
		sessionRepo = repo.NewSessionRepo(database)
		tokenRepo = repo.NewTokenRepo(database)
	}

	// Lifecycle events go to Redis when configured, otherwise they are dropped
	var publisher events.Publisher
	if cfg.RedisAddr != "" {
		redisPub, err := events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisPub.Close()
		publisher = redisPub
	} else {
		publisher = events.Nop{}
	}

	// Initialize auth services
	otpProvider := auth.NewOtpStub(otpRepo, cfg.OTPSalt, cfg.DevMode)
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	authService := auth.NewService(otpProvider, jwtService, userRepo)

	// Initialize the lifecycle engine and its background sweep
	eng := engine.New(listingRepo, requestRepo, sessionRepo, tokenRepo, publisher, engine.Config{
		MaxRadiusKm:    cfg.MaxRadiusKm,
		GeofenceMeters: cfg.GeofenceMeters,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go engine.NewSweeper(eng, cfg.SweepInterval).Run(sweepCtx)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, otpProvider, cfg.DevMode)
	listingHandler := handlers.NewListingHandler(eng)
	checkinHandler := handlers.NewCheckinHandler(eng)

	// Create router
	router := httphandler.NewRouter(authHandler, listingHandler, checkinHandler, jwtService, userRepo)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopSweep()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// Resolve migration dir so it works from server/ or repo root
	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		migrationDir = "server/internal/db/migrations"
	}
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from server/ or repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	log.Printf("Running migrations from %s", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
