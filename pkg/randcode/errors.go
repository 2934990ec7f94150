package randcode

import "errors"

var (
	// ErrInvalidLength is returned for lengths outside the 4..64 range.
	ErrInvalidLength = errors.New("code length out of range")
	// ErrInvalidAlphabet is returned for alphabets with fewer than two characters.
	ErrInvalidAlphabet = errors.New("alphabet too small")
	// ErrUnknownKind is returned by Parse for unrecognized alphabet names.
	ErrUnknownKind = errors.New("unknown code kind")
)
