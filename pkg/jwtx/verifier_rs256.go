package jwtx

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed  = errors.New("jwtx: malformed token")
	ErrInvalidSig = errors.New("jwtx: invalid signature")
	ErrNoKey      = errors.New("jwtx: key not found")
)

// KeyFunc picks the verification key once the claims have been decoded.
// Proof-of-possession tokens carry their own key in the cnf claim, so the
// key can't be known before parsing.
type KeyFunc func(token *jwt.Token) (*rsa.PublicKey, error)

// StaticKey returns a KeyFunc that always answers with pub.
func StaticKey(pub *rsa.PublicKey) KeyFunc {
	return func(*jwt.Token) (*rsa.PublicKey, error) {
		if pub == nil {
			return nil, ErrNoKey
		}
		return pub, nil
	}
}

// VerifyRS256 parses tokenStr into claims and checks the RS256 signature.
// Registered claim validation (exp, nbf) is done by the jwt parser.
func VerifyRS256(tokenStr string, claims jwt.Claims, keyFn KeyFunc) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return keyFn(t)
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return fmt.Errorf("%w: %v", ErrInvalidSig, err)
		}
		return fmt.Errorf("jwtx: parse or verify: %w", err)
	}

	if !token.Valid {
		return errors.New("jwtx: invalid token claims")
	}

	return nil
}
