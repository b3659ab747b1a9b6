package http

import (
	"github.com/go-auth-api/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-auth-api/internal/infrastructure/jwt"
	"github.com/go-auth-api/internal/infrastructure/smtp"
)

// Deps holds all infrastructure dependencies for the router.
type Deps struct {
	UserRepo    *dynamo.UserRepo
	TokenRepo   *dynamo.TokenRepo
	Mailer      smtp.Mailer
	JWTProvider *jwtinfra.Provider
}
