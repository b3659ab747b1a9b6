package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Generate returns a 6-digit numeric one-time code, left-zero-padded,
// drawn uniformly from 000000–999999. Collisions across users are fine;
// the store scopes codes per (user, kind).
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
