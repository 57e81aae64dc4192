package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAssertionTTL is the lifetime of a client assertion. The issuer only
// needs it for the duration of a single token request.
const DefaultAssertionTTL = 10 * time.Minute

// NewAssertionClaims builds the claims of an RFC 7523 client assertion: the
// client is both issuer and subject, the audience is the token endpoint.
func NewAssertionClaims(clientID, tokenURL string, ttl time.Duration, now time.Time) jwt.RegisteredClaims {
	if ttl <= 0 {
		ttl = DefaultAssertionTTL
	}

	return jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        NewJTI(),
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim. There
// might be a better way of doing this, but I'm being lazy and using random.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
