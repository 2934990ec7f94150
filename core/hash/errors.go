package hash

import "errors"

var (
	// ErrMismatch is returned when a password does not match its stored hash.
	ErrMismatch = errors.New("password does not match hash")
	// ErrInvalidHash is returned when an encoded hash cannot be parsed.
	ErrInvalidHash = errors.New("invalid password hash format")
	// ErrIncompatibleVersion is returned for hashes from a newer argon2 version.
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	// ErrHashing is returned when hashing fails (salt generation).
	ErrHashing = errors.New("failed to hash password")
)
