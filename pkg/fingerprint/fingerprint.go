package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	fingerprintVersion = "v1:"
	// fingerprintHashLen uses 16 bytes (128 bits) for balance between uniqueness
	// and storage efficiency. SHA-256 provides 256 bits, but 128 bits is sufficient
	// for fingerprinting and reduces storage by 50%.
	fingerprintHashLen = 16
	// fingerprintTotalLen is the total length of a fingerprint string:
	// 3 bytes ("v1:") + 32 bytes (hex encoding of 16 bytes) = 35 bytes
	fingerprintTotalLen = 35
)

// Signals are the client hints a transport adapter extracts from a request.
// The core never sees the transport; adapters fill whatever they have and
// leave the rest empty.
type Signals struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
	// IP is the client address. Excluded from the hash unless WithIP is set.
	IP string
	// HeaderNames lists the request header names present on the wire.
	// Only a stable whitelist contributes to the hash.
	HeaderNames []string
}

// Generate creates a device fingerprint from client signals.
// Returns a version-prefixed fingerprint string in format: "v1:hash".
//
// By default, excludes IP address to avoid false positives from mobile
// networks and VPNs. Use functional options to customize behavior:
//
//	fp := fingerprint.Generate(sig)            // uses defaults
//	fp := fingerprint.Generate(sig, WithIP())  // include IP
func Generate(sig Signals, opts ...Option) string {
	o := applyOptions(opts...)

	var components []string

	if o.includeUserAgent {
		components = append(components, sig.UserAgent)
	}

	if o.includeAcceptHeaders {
		components = append(components,
			sig.AcceptLanguage,
			sig.AcceptEncoding,
			sig.Accept,
		)
	}

	if o.includeIP {
		components = append(components, sig.IP)
	}

	if o.includeHeaderSet {
		components = append(components, headerSet(sig.HeaderNames))
	}

	// Filter out empty components to ensure consistent hashing.
	// Empty values could come from missing headers or disabled options.
	filtered := make([]string, 0, len(components))
	for _, comp := range components {
		if comp != "" {
			filtered = append(filtered, comp)
		}
	}

	// Join with pipe delimiter to prevent collision attacks where
	// ["ab", "c"] and ["a", "bc"] would otherwise produce the same hash.
	combined := strings.Join(filtered, "|")
	return Hash(combined)
}

// Hash digests an arbitrary raw fingerprint value into the stored format.
// Used when the client supplies its own fingerprint material; the raw value
// is never persisted.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return fingerprintVersion + hex.EncodeToString(sum[:fingerprintHashLen])
}

// IsHashed reports whether s is already in the stored "v1:hash" format.
func IsHashed(s string) bool {
	return strings.HasPrefix(s, fingerprintVersion) && len(s) == fingerprintTotalLen
}

// Validate compares the current signals against a stored fingerprint.
// Returns nil if fingerprints match, or ErrMismatch if they don't.
// Invalid stored formats return ErrInvalidFingerprint.
//
// IMPORTANT: use the same options that were used to generate the stored
// fingerprint.
func Validate(sig Signals, stored string, opts ...Option) error {
	if !IsHashed(stored) {
		return ErrInvalidFingerprint
	}

	if Generate(sig, opts...) == stored {
		return nil
	}

	return ErrMismatch
}

// headerSet fingerprints *which* standard headers are present, not their
// values. Different browsers and HTTP clients send different sets of headers:
// Chrome sends Sec-Fetch-* headers, API clients typically send minimal
// headers, mobile browsers may omit certain headers.
//
// Only stable, commonly-present headers are included. Frequently-changing
// headers (cookies, cache directives) are excluded to reduce false positives.
func headerSet(names []string) string {
	var present []string
	for _, name := range names {
		switch strings.ToLower(name) {
		case "user-agent", "accept", "accept-language", "accept-encoding",
			"connection", "upgrade-insecure-requests", "sec-fetch-dest",
			"sec-fetch-mode", "sec-fetch-site", "cache-control":
			present = append(present, strings.ToLower(name))
		}
	}

	sort.Strings(present)
	return strings.Join(present, ",")
}
