package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-auth-api/internal/application/token"
	"github.com/go-auth-api/internal/domain"
	jwtinfra "github.com/go-auth-api/internal/infrastructure/jwt"
	"github.com/go-auth-api/internal/infrastructure/smtp"
	"github.com/go-auth-api/internal/pkg/id"
	"github.com/go-auth-api/internal/pkg/otp"
	"golang.org/x/crypto/bcrypt"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type VerifyLoginOtpRequest struct {
	Email string `json:"email" validate:"required,email"`
	Otp   string `json:"otp" validate:"required,len=6,numeric"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type ResetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginResult carries the outcome of a login attempt. When the account has
// two-factor enabled, Tokens is nil and OtpPending is set; the pair is only
// minted once the OTP verifies.
type LoginResult struct {
	User       *domain.User
	Tokens     *domain.TokenPair
	OtpPending bool
}

type userStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Put(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, userID string, updates map[string]interface{}) error
}

type tokenStore interface {
	Put(ctx context.Context, t *domain.TokenRecord) error
	Get(ctx context.Context, userID string, kind domain.TokenKind, token string) (*domain.TokenRecord, error)
	Consume(ctx context.Context, userID string, kind domain.TokenKind, token string) (*domain.TokenRecord, error)
	DeleteAllByKind(ctx context.Context, userID string, kinds ...domain.TokenKind) error
}

type codec interface {
	Issue(userID string, kind domain.TokenKind, ttl time.Duration) (string, time.Time, error)
	Verify(token string, kind domain.TokenKind) (*jwtinfra.Claims, error)
}

// Service orchestrates the login paths (password-only, password+OTP,
// passwordless OTP) and the account-recovery paths.
type Service interface {
	Register(ctx context.Context, req domain.RegisterRequest) (*domain.User, *domain.TokenPair, error)
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	VerifyLoginOtp(ctx context.Context, email, code string) (*domain.User, *domain.TokenPair, error)
	RequestLoginOtp(ctx context.Context, email string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, tokenStr, newPassword string) error
	VerifyResetToken(ctx context.Context, tokenStr string) error
	SendVerificationEmail(ctx context.Context, userID string) error
	VerifyEmail(ctx context.Context, tokenStr string) error
	Logout(ctx context.Context, refreshToken string) error
}

type service struct {
	userRepo    userStore
	tokenRepo   tokenStore
	tokens      token.Service
	codec       codec
	mailer      smtp.Mailer
	otpTTL      time.Duration
	resetTTL    time.Duration
	verifyTTL   time.Duration
	frontendURL string
}

type ServiceDeps struct {
	UserRepo    userStore
	TokenRepo   tokenStore
	Tokens      token.Service
	Codec       codec
	Mailer      smtp.Mailer
	OtpTTL      time.Duration
	ResetTTL    time.Duration
	VerifyTTL   time.Duration
	FrontendURL string
}

func NewService(deps ServiceDeps) Service {
	return &service{
		userRepo:    deps.UserRepo,
		tokenRepo:   deps.TokenRepo,
		tokens:      deps.Tokens,
		codec:       deps.Codec,
		mailer:      deps.Mailer,
		otpTTL:      deps.OtpTTL,
		resetTTL:    deps.ResetTTL,
		verifyTTL:   deps.VerifyTTL,
		frontendURL: deps.FrontendURL,
	}
}

// Register creates an unverified user and mints a pair immediately; there is
// no email-verification gate on registration.
func (s *service) Register(ctx context.Context, req domain.RegisterRequest) (*domain.User, *domain.TokenPair, error) {
	email := normalizeEmail(req.Email)
	if _, err := s.userRepo.GetByEmail(ctx, email); err == nil {
		return nil, nil, fmt.Errorf("email %s already registered: %w", email, domain.ErrEmailTaken)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	u := &domain.User{
		UserID:       id.New(),
		Email:        email,
		Name:         req.Name,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Put(ctx, u); err != nil {
		return nil, nil, err
	}
	pair, err := s.tokens.MintPair(ctx, u.UserID)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Login checks credentials and either mints a pair directly or, when the
// account has two-factor enabled, emails an OTP and reports OtpPending.
// Unknown email and wrong password yield the same error so callers cannot
// tell which field was wrong.
func (s *service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	u, err := s.userRepo.GetByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", domain.ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("login failed: %w", domain.ErrInvalidCredentials)
	}
	if u.TwoFactorEnabled {
		if err := s.issueLoginOtp(ctx, u); err != nil {
			return nil, err
		}
		return &LoginResult{User: u, OtpPending: true}, nil
	}
	pair, err := s.tokens.MintPair(ctx, u.UserID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Tokens: pair}, nil
}

// VerifyLoginOtp consumes the emailed code and mints a pair. The consume is
// a single atomic store operation, so a code verifies at most once even
// under concurrent calls; the loser must request a new code.
func (s *service) VerifyLoginOtp(ctx context.Context, email, code string) (*domain.User, *domain.TokenPair, error) {
	u, err := s.userRepo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, nil, fmt.Errorf("otp verification failed: %w", domain.ErrOtpInvalidOrExpired)
	}
	if _, err := s.tokenRepo.Consume(ctx, u.UserID, domain.TokenKindOTP, code); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("otp verification failed: %w", domain.ErrOtpInvalidOrExpired)
		}
		return nil, nil, err
	}
	pair, err := s.tokens.MintPair(ctx, u.UserID)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// RequestLoginOtp issues an OTP without a prior password check — the
// passwordless entry path.
func (s *service) RequestLoginOtp(ctx context.Context, email string) error {
	u, err := s.userRepo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return fmt.Errorf("no user with this email: %w", domain.ErrUserNotFound)
	}
	return s.issueLoginOtp(ctx, u)
}

func (s *service) issueLoginOtp(ctx context.Context, u *domain.User) error {
	code, err := otp.Generate()
	if err != nil {
		return err
	}
	rec := &domain.TokenRecord{
		UserID:    u.UserID,
		Token:     code,
		Kind:      domain.TokenKindOTP,
		ExpiresAt: time.Now().Add(s.otpTTL).Unix(),
	}
	if err := s.tokenRepo.Put(ctx, rec); err != nil {
		return err
	}
	minutes := int(s.otpTTL.Minutes())
	body := fmt.Sprintf("Your OTP is: %s\nIt will expire in %d minutes.\nIf you did not request this, please ignore this email.", code, minutes)
	return s.mailer.SendEmail(u.Email, "Login OTP", body)
}

// ForgotPassword mints a reset token and emails the reset link.
func (s *service) ForgotPassword(ctx context.Context, email string) error {
	u, err := s.userRepo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return fmt.Errorf("no user with this email: %w", domain.ErrUserNotFound)
	}
	tokenStr, expires, err := s.codec.Issue(u.UserID, domain.TokenKindResetPassword, s.resetTTL)
	if err != nil {
		return err
	}
	rec := &domain.TokenRecord{
		UserID:    u.UserID,
		Token:     tokenStr,
		Kind:      domain.TokenKindResetPassword,
		ExpiresAt: expires.Unix(),
	}
	if err := s.tokenRepo.Put(ctx, rec); err != nil {
		return err
	}
	resetURL := fmt.Sprintf("%s/reset-password/%s", s.frontendURL, tokenStr)
	body := fmt.Sprintf("Dear user,\nTo reset your password, click on this link: %s\nIf you did not request any password resets, then ignore this email.", resetURL)
	return s.mailer.SendEmail(u.Email, "Reset password", body)
}

// ResetPassword verifies and consumes the reset token, overwrites the
// password hash, then deletes every outstanding reset and refresh record
// for the user, forcing re-login everywhere.
func (s *service) ResetPassword(ctx context.Context, tokenStr, newPassword string) error {
	claims, err := s.codec.Verify(tokenStr, domain.TokenKindResetPassword)
	if err != nil {
		return err
	}
	if _, err := s.tokenRepo.Consume(ctx, claims.Subject, domain.TokenKindResetPassword, tokenStr); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("reset token not recognized: %w", domain.ErrTokenRevoked)
		}
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.userRepo.Update(ctx, claims.Subject, map[string]interface{}{"password_hash": string(hash)}); err != nil {
		return err
	}
	return s.tokenRepo.DeleteAllByKind(ctx, claims.Subject, domain.TokenKindResetPassword, domain.TokenKindRefresh)
}

// VerifyResetToken checks a reset token without consuming it, so the reset
// form can validate before the user types a new password.
func (s *service) VerifyResetToken(ctx context.Context, tokenStr string) error {
	claims, err := s.codec.Verify(tokenStr, domain.TokenKindResetPassword)
	if err != nil {
		return err
	}
	if _, err := s.tokenRepo.Get(ctx, claims.Subject, domain.TokenKindResetPassword, tokenStr); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("reset token not recognized: %w", domain.ErrTokenRevoked)
		}
		return err
	}
	return nil
}

// SendVerificationEmail mints an email-verification token for the
// authenticated user and emails the verification link.
func (s *service) SendVerificationEmail(ctx context.Context, userID string) error {
	u, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		return err
	}
	tokenStr, expires, err := s.codec.Issue(u.UserID, domain.TokenKindVerifyEmail, s.verifyTTL)
	if err != nil {
		return err
	}
	rec := &domain.TokenRecord{
		UserID:    u.UserID,
		Token:     tokenStr,
		Kind:      domain.TokenKindVerifyEmail,
		ExpiresAt: expires.Unix(),
	}
	if err := s.tokenRepo.Put(ctx, rec); err != nil {
		return err
	}
	verifyURL := fmt.Sprintf("%s/verify-email?token=%s", s.frontendURL, tokenStr)
	body := fmt.Sprintf("Dear user,\nTo verify your email, click on this link: %s\nIf you did not create an account, then ignore this email.", verifyURL)
	return s.mailer.SendEmail(u.Email, "Email Verification", body)
}

// VerifyEmail consumes the verification token and marks the email verified.
func (s *service) VerifyEmail(ctx context.Context, tokenStr string) error {
	claims, err := s.codec.Verify(tokenStr, domain.TokenKindVerifyEmail)
	if err != nil {
		return err
	}
	if _, err := s.tokenRepo.Consume(ctx, claims.Subject, domain.TokenKindVerifyEmail, tokenStr); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("verification token not recognized: %w", domain.ErrTokenRevoked)
		}
		return err
	}
	return s.userRepo.Update(ctx, claims.Subject, map[string]interface{}{"email_verified": true})
}

// Logout revokes the refresh token. Safe to retry.
func (s *service) Logout(ctx context.Context, refreshToken string) error {
	return s.tokens.Revoke(ctx, refreshToken)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
