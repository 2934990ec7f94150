package token

import "errors"

var (
	// ErrTokenGeneration is returned when the random source fails.
	ErrTokenGeneration = errors.New("failed to generate token")
	// ErrTokenTooShort is returned when a caller requests under 128 bits of entropy.
	ErrTokenTooShort = errors.New("token entropy below 128 bits")
	// ErrInvalidToken is returned when a JWT fails parsing or signature checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a JWT is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrUnknownKey is returned when a JWT references a key id outside the keyring.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrNoActiveKey is returned when the keyring has no active signing key.
	ErrNoActiveKey = errors.New("no active signing key")
)
