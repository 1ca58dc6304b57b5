package auth

import (
	"context"
	"fmt"

	"github.com/tawla/server/internal/model"
	"github.com/tawla/server/internal/repo"
)

// Service orchestrates phone-OTP login: verify the code, resolve or create
// the user, and issue a bearer access token.
type Service struct {
	otpProvider OtpProvider
	jwtService  *JWTService
	userRepo    repo.UserRepo
}

// NewService creates a new auth service.
func NewService(otpProvider OtpProvider, jwtService *JWTService, userRepo repo.UserRepo) *Service {
	return &Service{
		otpProvider: otpProvider,
		jwtService:  jwtService,
		userRepo:    userRepo,
	}
}

// VerifyOTPAndIssueAccessToken verifies the OTP, gets or creates the user
// for the phone, and returns a signed access token.
func (s *Service) VerifyOTPAndIssueAccessToken(ctx context.Context, phone, code string) (*model.User, string, error) {
	if err := s.otpProvider.VerifyOTP(ctx, phone, code); err != nil {
		return nil, "", fmt.Errorf("OTP verification failed: %w", err)
	}

	user, err := s.userRepo.GetOrCreateByPhone(ctx, phone)
	if err != nil {
		return nil, "", fmt.Errorf("get or create user: %w", err)
	}

	token, err := s.jwtService.SignAccessToken(user.ID, user.PhoneNumber)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	return &user, token, nil
}
