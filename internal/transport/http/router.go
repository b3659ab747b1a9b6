package http

import (
	"net/http"

	"github.com/go-auth-api/internal/application/auth"
	"github.com/go-auth-api/internal/application/token"
	"github.com/go-auth-api/internal/application/user"
	"github.com/go-auth-api/internal/config"
	"github.com/go-auth-api/internal/transport/http/handler"
	appmiddleware "github.com/go-auth-api/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMw := appmiddleware.Auth(deps.JWTProvider)

	// 5 requests/second, burst of 10 — applied to sensitive public endpoints.
	sensitiveRL := appmiddleware.NewRateLimiter(rate.Limit(5), 10)

	tokenSvc := token.NewService(token.ServiceDeps{
		TokenRepo:  deps.TokenRepo,
		Codec:      deps.JWTProvider,
		AccessTTL:  cfg.AccessTokenExpiry,
		RefreshTTL: cfg.RefreshTokenExpiry,
	})
	authSvc := auth.NewService(auth.ServiceDeps{
		UserRepo:    deps.UserRepo,
		TokenRepo:   deps.TokenRepo,
		Tokens:      tokenSvc,
		Codec:       deps.JWTProvider,
		Mailer:      deps.Mailer,
		OtpTTL:      cfg.OTPExpiry,
		ResetTTL:    cfg.ResetTokenExpiry,
		VerifyTTL:   cfg.VerifyEmailExpiry,
		FrontendURL: cfg.FrontendURL,
	})
	userSvc := user.NewService(deps.UserRepo)

	healthH := handler.NewHealthHandler()
	authH := handler.NewAuthHandler(authSvc, tokenSvc)
	userH := handler.NewUserHandler(userSvc)

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no auth) ──────────────────────────────────────────
		r.Get("/health-check", healthH.Ping)

		r.With(sensitiveRL.Limit).Post("/auth/register", authH.Register)
		r.With(sensitiveRL.Limit).Post("/auth/login", authH.Login)
		r.With(sensitiveRL.Limit).Post("/auth/verify-login-otp", authH.VerifyLoginOtp)
		r.With(sensitiveRL.Limit).Post("/auth/request-login-otp", authH.RequestLoginOtp)
		r.With(sensitiveRL.Limit).Post("/auth/forgot-password", authH.ForgotPassword)
		r.Post("/auth/refresh-tokens", authH.RefreshTokens)
		r.Post("/auth/logout", authH.Logout)
		r.Post("/auth/reset-password", authH.ResetPassword)
		r.Post("/auth/verify-reset-token", authH.VerifyResetToken)
		r.Post("/auth/verify-email", authH.VerifyEmail)

		// ── Authenticated routes ─────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Post("/auth/send-verification-email", authH.SendVerificationEmail)

			r.Get("/users/{id}", userH.Get)
			r.Put("/users/{id}", userH.Update)
			r.Post("/users/toggle-two-factor", userH.ToggleTwoFactor)
			r.Post("/users/change-password", userH.ChangePassword)
		})
	})

	return r
}
