// Package anonymous issues guest identities for visitors who have not signed
// up yet. A guest is a real subject with a short-lived session bound to a
// hashed device fingerprint; the raw fingerprint is never persisted. Guests
// can extend their session a bounded number of times and can be converted
// into permanent subjects by dispatching into another plugin's step through a
// configured ConversionTarget. A failed conversion leaves the guest fully
// intact; a successful one removes every guest artifact in one transaction.
package anonymous
