package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// Opaque generates a cryptographically secure random bearer token:
// 32 bytes (256 bits) encoded as base64 URL-safe without padding.
func Opaque() (string, error) {
	return OpaqueN(32)
}

// OpaqueN generates an opaque token with n random bytes. n must provide at
// least 128 bits of entropy.
func OpaqueN(n int) (string, error) {
	if n < 16 {
		return "", ErrTokenTooShort
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Join(ErrTokenGeneration, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
