package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/tawla/server/internal/repo"
)

const (
	otpExpiry            = 5 * time.Minute
	maxAttempts          = 5
	minAttemptDelay      = 2 * time.Second
	requestWindow        = 10 * time.Minute
	maxRequestsPerWindow = 3

	// DevCode is the fixed OTP accepted in dev mode.
	DevCode = "0000"
)

// OtpStub implements OtpProvider with repository-backed sessions. No SMS
// is ever sent; in dev mode the code is fixed, otherwise a random code is
// generated and only its hash stored (a provider integration would deliver
// the plaintext).
type OtpStub struct {
	otpRepo repo.OtpRepo
	salt    string
	devMode bool
}

// NewOtpStub creates a new OTP provider.
func NewOtpStub(otpRepo repo.OtpRepo, salt string, devMode bool) *OtpStub {
	return &OtpStub{
		otpRepo: otpRepo,
		salt:    salt,
		devMode: devMode,
	}
}

// RequestOTP creates or replaces an OTP session for the phone, enforcing a
// per-phone rate limit through the repository.
func (p *OtpStub) RequestOTP(ctx context.Context, phone string) error {
	since := time.Now().Add(-requestWindow)
	count, err := p.otpRepo.CountRecentRequests(ctx, phone, since)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if count >= maxRequestsPerWindow {
		return fmt.Errorf("rate limit exceeded: max %d OTP requests per %v per phone", maxRequestsPerWindow, requestWindow)
	}

	code := DevCode
	if !p.devMode {
		code = generateOTPCode()
	}

	expiresAt := time.Now().Add(otpExpiry)
	hashHex := hashOTPHex(phone, code, p.salt)
	if _, err := p.otpRepo.CreateOrReplaceSession(ctx, phone, hashHex, expiresAt); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	// Never log or return the plaintext code.
	return nil
}

// VerifyOTP checks the code against the active session: attempt limit,
// minimum delay between attempts, constant-time hash comparison, then
// marks the session consumed.
func (p *OtpStub) VerifyOTP(ctx context.Context, phone, code string) error {
	session, err := p.otpRepo.GetActiveSessionByPhone(ctx, phone)
	if err != nil {
		return fmt.Errorf("invalid or expired OTP")
	}

	now := time.Now()
	if session.LastAttemptAt != nil && now.Sub(*session.LastAttemptAt) < minAttemptDelay {
		return fmt.Errorf("too many attempts, try again later")
	}

	newCount, err := p.otpRepo.IncrementAttempt(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if newCount >= maxAttempts {
		_ = p.otpRepo.MarkConsumed(ctx, session.ID)
		return fmt.Errorf("invalid or expired OTP")
	}

	provided := hashOTPBytes(phone, code, p.salt)
	if subtle.ConstantTimeCompare(provided, session.OTPHash) != 1 {
		return fmt.Errorf("invalid or expired OTP")
	}

	if err := p.otpRepo.MarkConsumed(ctx, session.ID); err != nil {
		return fmt.Errorf("consume session: %w", err)
	}
	return nil
}

func generateOTPCode() string {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return fmt.Sprintf("%04d", rng.Intn(10000))
}

// hashOTPHex returns SHA-256(phone:code:salt) as hex for storage.
func hashOTPHex(phone, code, salt string) string {
	return hex.EncodeToString(hashOTPBytes(phone, code, salt))
}

func hashOTPBytes(phone, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s", phone, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}
