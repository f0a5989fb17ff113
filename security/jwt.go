// Package security provides the token primitives the HTTP
// Query Surface's caller-authentication layer is built on (spec §4.10,
// §4.11). Minting a token happens outside this daemon — registration and
// login are the out-of-scope routes spec.md describes only the signature
// contract for — so JWTService exists here mainly as the validating half
// of that contract, plus enough of a minting method for tests and any
// node-signed token to exercise the same code path a real issuer would.
package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTService signs and validates the bearer tokens api.requireAuth checks
// on every protected route, using HMAC SHA-256.
type JWTService struct {
	secret []byte
}

// NewJWTService returns a JWTService keyed on secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// GenerateOwnerToken mints a token identifying ownerPublicKey, the claim
// shape api.identityFromToken reads back: "sub" and "public_key" both carry
// the owner's public key, and "orgs" carries the organizations whose
// org-scoped records (spec §4.10) the caller may read if non-empty.
func (j *JWTService) GenerateOwnerToken(ownerPublicKey string, orgs []string, expiration time.Duration) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		Subject(ownerPublicKey).
		Claim("public_key", ownerPublicKey).
		IssuedAt(now).
		Expiration(now.Add(expiration))
	if len(orgs) > 0 {
		builder = builder.Claim("orgs", orgs)
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("security: build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("security: sign token: %w", err)
	}
	return string(signed), nil
}

// ValidateToken verifies tokenString's signature and expiration, returning
// the parsed token for api.identityFromToken to read claims from.
func (j *JWTService) ValidateToken(tokenString string) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return nil, fmt.Errorf("security: invalid token: %w", err)
	}
	return token, nil
}
