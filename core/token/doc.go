// Package token provides the session token codec: opaque bearer tokens,
// RS256 JWT signing and verification, and a persisted JWKS keyring with
// timed rotation and a grace window for outstanding tokens.
//
// Opaque tokens carry 256 bits of entropy encoded base64url:
//
//	tok, err := token.Opaque()
//
// JWTs are signed with the keyring's active key and verified against the
// active key plus any rotated key still inside its grace period:
//
//	keyring := token.NewKeyring(store,
//		token.WithRotationInterval(30*24*time.Hour),
//		token.WithGracePeriod(7*24*time.Hour),
//	)
//	codec := token.NewJWTCodec(keyring, "authkit", "api")
//
//	signed, claims, err := codec.Sign(ctx, subjectID, "subject", time.Hour)
//	claims, err = codec.Verify(ctx, signed)
//
// Rotated keys past their grace window are purged by the cleanup scheduler
// via Keyring.PurgeExpired.
package token
