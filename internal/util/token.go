package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes = 32 gives 256 bits of entropy, comfortably above the 128-bit
// floor for an unauthenticated capability.
const tokenBytes = 32

// NewTokenString returns the URL-safe opaque string embedded in QR codes.
// Distinct from ULID ids on purpose: tokens must be unguessable, not sortable.
func NewTokenString() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
