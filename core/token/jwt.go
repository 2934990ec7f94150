package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carried by engine-issued JWTs.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	ID        string
	// Kind is the subject-kind discriminator stored in a private claim.
	Kind string
}

// JWTCodec signs and verifies engine session JWTs against a rotating keyring.
type JWTCodec struct {
	keyring  *Keyring
	issuer   string
	audience string
}

// NewJWTCodec creates a codec bound to a keyring and token issuer/audience.
func NewJWTCodec(keyring *Keyring, issuer, audience string) *JWTCodec {
	return &JWTCodec{keyring: keyring, issuer: issuer, audience: audience}
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Kind string `json:"knd,omitempty"`
}

// Sign issues an RS256 JWT for the subject with the current active key.
// The returned claims include the generated jti.
func (c *JWTCodec) Sign(ctx context.Context, subject, kind string, ttl time.Duration) (string, Claims, error) {
	key, err := c.keyring.Signer(ctx)
	if err != nil {
		return "", Claims{}, err
	}

	now := time.Now()
	claims := Claims{
		Subject:   subject,
		Issuer:    c.issuer,
		Audience:  c.audience,
		ExpiresAt: now.Add(ttl),
		IssuedAt:  now,
		ID:        uuid.NewString(),
		Kind:      kind,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    claims.Issuer,
			Audience:  jwt.ClaimStrings{claims.Audience},
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ID:        claims.ID,
		},
		Kind: claims.Kind,
	})
	tok.Header["kid"] = key.ID

	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a JWT, resolving the signing key by kid across
// the active key and rotated keys still in their grace window.
func (c *JWTCodec) Verify(ctx context.Context, raw string) (Claims, error) {
	var parsed sessionClaims
	tok, err := jwt.ParseWithClaims(raw, &parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrInvalidToken)
		}
		key, err := c.keyring.Verifier(ctx, kid)
		if err != nil {
			return nil, err
		}
		return &key.Private.PublicKey, nil
	},
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		if errors.Is(err, ErrUnknownKey) {
			return Claims{}, err
		}
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Claims{}, ErrInvalidToken
	}

	var exp, iat time.Time
	if parsed.ExpiresAt != nil {
		exp = parsed.ExpiresAt.Time
	}
	if parsed.IssuedAt != nil {
		iat = parsed.IssuedAt.Time
	}
	aud := ""
	if len(parsed.Audience) > 0 {
		aud = parsed.Audience[0]
	}

	return Claims{
		Subject:   parsed.Subject,
		Issuer:    parsed.Issuer,
		Audience:  aud,
		ExpiresAt: exp,
		IssuedAt:  iat,
		ID:        parsed.ID,
		Kind:      parsed.Kind,
	}, nil
}
