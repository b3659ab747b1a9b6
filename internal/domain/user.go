package domain

import "time"

type User struct {
	UserID           string    `json:"id" dynamodbav:"user_id"`
	Email            string    `json:"email" dynamodbav:"email"`
	Name             string    `json:"name" dynamodbav:"name"`
	PasswordHash     string    `json:"-" dynamodbav:"password_hash"`
	EmailVerified    bool      `json:"email_verified" dynamodbav:"email_verified"`
	TwoFactorEnabled bool      `json:"two_factor_enabled" dynamodbav:"two_factor_enabled"`
	CreatedAt        time.Time `json:"created" dynamodbav:"created_at"`
	UpdatedAt        time.Time `json:"updated" dynamodbav:"updated_at"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required"`
}

type UpdateUserRequest struct {
	Email *string `json:"email" validate:"omitempty,email"`
	Name  *string `json:"name"`
}
