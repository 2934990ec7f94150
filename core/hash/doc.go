// Package hash provides the credential hashing primitives for the
// authentication engine: argon2id password hashing with per-record salts,
// constant-time verification, SHA-256 lookup hashing for single-use secrets,
// and a fail-open breach-corpus checker.
//
// Passwords:
//
//	encoded, err := hash.Password("correct horse battery staple")
//	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
//
//	if err := hash.VerifyPassword(candidate, encoded); err != nil {
//		// hash.ErrMismatch on wrong password
//	}
//
// Single-use secrets (verification codes, magic-link tokens, API keys) are
// stored only as hash.Code(raw); the raw value never touches persistent state.
//
// Breach lookups run exclusively at password-set time:
//
//	checker := hash.NewHIBP()
//	breached, _ := checker.Breached(ctx, password)
//
// Lookup failures are treated as "not breached" so registration never blocks
// on an upstream outage.
package hash
