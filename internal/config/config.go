package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	OTPSalt     string
	DevMode     bool
	MemoryMode  bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GeofenceMeters float64
	MaxRadiusKm    float64
	SweepInterval  time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:           "8080", // default port
		GeofenceMeters: 150,
		MaxRadiusKm:    15,
		SweepInterval:  20 * time.Second,
	}

	// MEMORY_MODE runs everything on in-memory stores, no Postgres needed.
	cfg.MemoryMode = os.Getenv("MEMORY_MODE") == "true"

	// Load DATABASE_URL and log connection details (password masked)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" && !cfg.MemoryMode {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if databaseURL != "" {
		if u, err := url.Parse(databaseURL); err == nil {
			host := u.Hostname()
			if host == "" {
				host = "localhost"
			}
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			dbName := strings.TrimPrefix(u.Path, "/")
			if idx := strings.Index(dbName, "?"); idx >= 0 {
				dbName = dbName[:idx]
			}
			user := u.User.Username()
			if user == "" {
				user = "(none)"
			}
			log.Printf("DB connect: host=%s port=%s db=%s user=%s", host, port, dbName, user)
		}
	}

	// Load PORT (optional, defaults to 8080)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	// Load JWT_SECRET (required)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	// Load OTP_SALT (required)
	otpSalt := os.Getenv("OTP_SALT")
	if otpSalt == "" {
		return nil, fmt.Errorf("OTP_SALT environment variable is required")
	}
	cfg.OTPSalt = otpSalt

	// Load OTP_DEV_MODE (optional, defaults to false)
	cfg.DevMode = os.Getenv("OTP_DEV_MODE") == "true"

	// Redis is optional; without it lifecycle events are dropped.
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB must be an integer: %w", err)
		}
		cfg.RedisDB = n
	}

	if v := os.Getenv("GEOFENCE_M"); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("GEOFENCE_M must be a positive number")
		}
		cfg.GeofenceMeters = m
	}

	if v := os.Getenv("MAX_RADIUS_KM"); v != "" {
		km, err := strconv.ParseFloat(v, 64)
		if err != nil || km <= 0 {
			return nil, fmt.Errorf("MAX_RADIUS_KM must be a positive number")
		}
		cfg.MaxRadiusKm = km
	}

	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("SWEEP_INTERVAL_SECONDS must be a positive integer")
		}
		cfg.SweepInterval = time.Duration(secs) * time.Second
	}

	return cfg, nil
}
