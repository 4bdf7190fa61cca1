package webhook

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// NewStreamToken generates a per-call media stream token: 32 random
// bytes, URL-safe base64 without padding.
func NewStreamToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stream token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyStreamToken compares tokens in constant time. Mismatched
// lengths fail without leaking how far the comparison got.
func VerifyStreamToken(expected, provided string) bool {
	if len(expected) == 0 || len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
