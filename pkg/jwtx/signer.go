package jwtx

import "github.com/golang-jwt/jwt/v5"

// Signer is our interface for anything that can sign JWTs.
type Signer interface {
	Alg() string
	KID() string
	Sign(claims jwt.Claims, headers map[string]any) (string, error)
	PublicJWK() JWK
}
