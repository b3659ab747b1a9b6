package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without
// leaking infrastructure details across the boundary.
var (
	ErrBadRequest = errors.New("bad request")
	ErrNotFound   = errors.New("not found")

	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrOtpInvalidOrExpired = errors.New("otp invalid or expired")
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token expired")
	ErrTokenRevoked        = errors.New("token revoked")
)
