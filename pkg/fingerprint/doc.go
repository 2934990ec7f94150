// Package fingerprint derives hashed device fingerprints from client signals.
//
// Transport adapters extract the signals (user agent, Accept headers, client
// IP, present header names) and pass them in as a Signals value; the package
// combines them into a versioned 128-bit identifier ("v1:hash"). Raw signal
// values are never part of the output, only the hash, so fingerprints are
// safe to persist.
//
// Basic usage:
//
//	sig := fingerprint.Signals{
//		UserAgent:      "Mozilla/5.0 ...",
//		AcceptLanguage: "en-US",
//	}
//	fp := fingerprint.Generate(sig)
//
//	// Later, against a stored fingerprint:
//	if err := fingerprint.Validate(sig, stored); err != nil {
//		// mismatch or malformed stored value
//	}
//
// # Security Notes
//
// Device fingerprinting has inherent limitations:
//   - IP addresses change (mobile networks, VPN usage)
//   - Browser updates modify User-Agent strings
//   - Users can modify or block headers
//   - Should supplement, not replace, proper session management
//
// Consider graceful handling of fingerprint mismatches rather than immediate
// session termination, as legitimate users may trigger false positives.
package fingerprint
