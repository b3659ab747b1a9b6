package domain

import "time"

// TokenKind tags what a token is allowed to be used for. A token of one
// kind never passes verification against another.
type TokenKind string

const (
	TokenKindAccess        TokenKind = "access"
	TokenKindRefresh       TokenKind = "refresh"
	TokenKindResetPassword TokenKind = "reset_password"
	TokenKindVerifyEmail   TokenKind = "verify_email"
	TokenKindOTP           TokenKind = "otp"
)

// TokenRecord is a persisted non-access token. Refresh tokens are consumed
// on rotation, OTP/reset/verify tokens on successful verification.
// PK: user_id, SK: "<kind>#<token>". ExpiresAt is a Unix timestamp used as
// DynamoDB TTL; expired rows are rejected by the consume condition before
// the sweeper gets to them.
type TokenRecord struct {
	UserID      string    `dynamodbav:"user_id"`
	SK          string    `dynamodbav:"sk"`
	Token       string    `dynamodbav:"token"`
	Kind        TokenKind `dynamodbav:"kind"`
	ExpiresAt   int64     `dynamodbav:"expires_at"`
	Blacklisted bool      `dynamodbav:"blacklisted"`
}

// TokenDetail is one half of the wire token pair.
type TokenDetail struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// TokenPair is the access/refresh pair returned on login, register and
// refresh. Never persisted as a unit; only the refresh half has a record.
type TokenPair struct {
	Access  TokenDetail `json:"access"`
	Refresh TokenDetail `json:"refresh"`
}
