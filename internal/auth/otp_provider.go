package auth

import "context"

// OtpProvider defines the interface for OTP operations. The real SMS
// provider lives behind this; the shipped implementation is a stub.
type OtpProvider interface {
	RequestOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code string) error
}
