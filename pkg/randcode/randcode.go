package randcode

import (
	"crypto/rand"
	"math/big"
)

// Alphabet selects the character set for generated codes.
type Alphabet string

const (
	// Numeric codes suit SMS and voice delivery.
	Numeric Alphabet = "0123456789"
	// Alphanumeric codes are upper-case letters and digits with the
	// ambiguous characters (0/O, 1/I/L) removed for manual entry.
	Alphanumeric Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

const (
	minLength = 4
	maxLength = 64
)

// Generate returns a random single-use code of the given length drawn from
// the alphabet. Each character is sampled uniformly with crypto/rand.
func Generate(alphabet Alphabet, length int) (string, error) {
	if length < minLength || length > maxLength {
		return "", ErrInvalidLength
	}
	if len(alphabet) < 2 {
		return "", ErrInvalidAlphabet
	}

	out := make([]byte, length)
	size := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// Parse maps a configuration string to an alphabet. Recognized values are
// "numeric" and "alphanumeric".
func Parse(kind string) (Alphabet, error) {
	switch kind {
	case "numeric":
		return Numeric, nil
	case "alphanumeric":
		return Alphanumeric, nil
	default:
		return "", ErrUnknownKind
	}
}
