package jwtx

import (
	"crypto/rsa"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// RS256Signer implements the Signer interface using RSA SHA-256.
type RS256Signer struct {
	kid string
	key *rsa.PrivateKey
	alg string
}

// NewSignerRS256 wraps an RSA private key. The kid may be empty, in which
// case no "kid" header is written and callers are expected to add their own
// key reference (x5t, jwk thumbprint, ...).
func NewSignerRS256(kid string, key *rsa.PrivateKey) (*RS256Signer, error) {
	if key == nil {
		return nil, errors.New("jwtx: nil RSA key")
	}
	if key.N == nil || key.N.BitLen() < 2048 {
		return nil, errors.New("jwtx: RSA key must be at least 2048 bits")
	}

	return &RS256Signer{
		kid: kid,
		key: key,
		alg: jwt.SigningMethodRS256.Alg(),
	}, nil
}

func (s *RS256Signer) Alg() string { return s.alg }
func (s *RS256Signer) KID() string { return s.kid }

// Sign turns claims into a signed JWT string. Extra headers are applied after
// "alg"/"typ"/"kid" and may override "typ".
func (s *RS256Signer) Sign(claims jwt.Claims, headers map[string]any) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.kid != "" {
		t.Header["kid"] = s.kid
	}
	for k, v := range headers {
		t.Header[k] = v
	}
	return t.SignedString(s.key)
}

// PublicJWK returns the public half of the key as a JWK.
func (s *RS256Signer) PublicJWK() JWK {
	return NewRSAJWK(s.kid, "sig", s.alg, &s.key.PublicKey)
}
