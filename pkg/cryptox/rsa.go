package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// DefaultRSABits is the key size used for proof-of-possession keys.
const DefaultRSABits = 2048

// NewRSAKey generates a new RSA private key with the specified bit size.
// Anything below 2048 bits is refused, the token issuer will reject it anyway.
func NewRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits < 2048 {
		return nil, fmt.Errorf("cryptox: RSA key size must be at least 2048 bits")
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to generate RSA key: %w", err)
	}

	return key, nil
}
