package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/tawla/server/internal/auth"
	"github.com/tawla/server/internal/engine"
	httphandler "github.com/tawla/server/internal/http"
	"github.com/tawla/server/internal/http/handlers"
	"github.com/tawla/server/internal/repo"
)

const (
	testJWTSecret = "test-secret"
	testOTPSalt   = "test-salt"
)

// testServer wraps an httptest.Server over the full router with in-memory
// stores, so the end-to-end suite runs without Postgres.
type testServer struct {
	Server *httptest.Server
	Mem    *repo.Memory
	Engine *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem := repo.NewMemory()

	otpProvider := auth.NewOtpStub(mem.Otp(), testOTPSalt, true)
	jwtService := auth.NewJWTService(testJWTSecret)
	authService := auth.NewService(otpProvider, jwtService, mem.Users())

	eng := engine.New(mem.Listings(), mem.Requests(), mem.Sessions(), mem.Tokens(), nil, engine.DefaultConfig())

	authHandler := handlers.NewAuthHandler(authService, otpProvider, true)
	listingHandler := handlers.NewListingHandler(eng)
	checkinHandler := handlers.NewCheckinHandler(eng)

	router := httphandler.NewRouter(authHandler, listingHandler, checkinHandler, jwtService, mem.Users())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, Mem: mem, Engine: eng}
}

func (ts *testServer) BaseURL() string {
	return ts.Server.URL
}

// login walks the OTP flow for the phone and returns the bearer token and
// the user id.
func (ts *testServer) login(t *testing.T, phone string) (token, userID string) {
	t.Helper()
	client := ts.Server.Client()

	resp := postJSON(t, client, ts.BaseURL()+"/auth/otp/request", "", map[string]string{"phone": phone})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "request OTP: %s", readBody(resp))

	resp = postJSON(t, client, ts.BaseURL()+"/auth/otp/verify", "", map[string]string{
		"phone": phone,
		"code":  auth.DevCode,
	})
	defer resp.Body.Close()
	body := readBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "verify OTP: %s", body)

	var verifyRes struct {
		Token string `json:"token"`
		User  struct {
			ID    string `json:"id"`
			Phone string `json:"phone"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &verifyRes))
	require.NotEmpty(t, verifyRes.Token)
	return verifyRes.Token, verifyRes.User.ID
}

// postJSON sends a JSON POST, optionally with a bearer token.
func postJSON(t *testing.T, client *http.Client, url, token string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, client *http.Client, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(resp *http.Response) string {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("(read body: %v)", err)
	}
	return string(data)
}

// requireJSON asserts the status code and decodes the JSON body. The body
// is read exactly once so failure messages can include it.
func requireJSON(t *testing.T, resp *http.Response, status int, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	body := readBody(resp)
	require.Equal(t, status, resp.StatusCode, "body: %s", body)
	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(body), out), "body: %s", body)
	}
}

// ResolveMigrationDir returns the first existing migrations directory for
// tests run from the module root, repo root, or this package.
func ResolveMigrationDir() string {
	for _, dir := range []string{
		"internal/db/migrations",
		"server/internal/db/migrations",
		"../../internal/db/migrations",
	} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			abs, _ := filepath.Abs(dir)
			return abs
		}
	}
	return ""
}

// RunMigrations runs goose Up using the resolved migration directory.
func RunMigrations(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	dir := ResolveMigrationDir()
	if dir == "" {
		return fmt.Errorf("migrations directory not found; run tests from the module root")
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// TruncateAll truncates every table for a clean test state.
func TruncateAll(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		"TRUNCATE TABLE sessions, join_tokens, join_requests, listings, otp_sessions, users RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
