package popx

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/aussiebroadwan/arcrelay/pkg/cryptox"
	"github.com/aussiebroadwan/arcrelay/pkg/jwtx"
)

// Scheme is the Authorization scheme used for SHR tokens.
const Scheme = "PoP"

// TokenType is the token_type requested from (and echoed back by) the issuer.
const TokenType = "pop"

// Key is the signing key bound into PoP access tokens.
type Key struct {
	signer     *jwtx.RS256Signer
	jwk        jwtx.JWK
	thumbprint string
}

// NewKey generates a fresh RSA key. One per process is enough; the issuer
// binds tokens to the key, not the other way round.
func NewKey() (*Key, error) {
	priv, err := cryptox.NewRSAKey(cryptox.DefaultRSABits)
	if err != nil {
		return nil, fmt.Errorf("popx: %w", err)
	}
	return NewKeyFrom(priv)
}

// NewKeyFrom wraps an existing RSA key.
func NewKeyFrom(priv *rsa.PrivateKey) (*Key, error) {
	if priv == nil {
		return nil, fmt.Errorf("popx: nil key")
	}

	jwk := jwtx.NewRSAJWK("", "", "", &priv.PublicKey)
	thumbprint := jwk.Thumbprint()

	signer, err := jwtx.NewSignerRS256(thumbprint, priv)
	if err != nil {
		return nil, fmt.Errorf("popx: %w", err)
	}

	return &Key{signer: signer, jwk: jwk, thumbprint: thumbprint}, nil
}

// Thumbprint returns the RFC 7638 thumbprint used as the key id.
func (k *Key) Thumbprint() string { return k.thumbprint }

// JWK returns the public key.
func (k *Key) JWK() jwtx.JWK { return k.jwk }

// ReqCnf returns the req_cnf token request parameter: base64url({"kid":thumbprint}).
func (k *Key) ReqCnf() string {
	b, _ := json.Marshal(struct {
		KID string `json:"kid"`
	}{KID: k.thumbprint})
	return base64.RawURLEncoding.EncodeToString(b)
}

// TokenParams returns the extra token endpoint parameters for a PoP request.
func (k *Key) TokenParams() url.Values {
	return url.Values{
		"token_type": {TokenType},
		"req_cnf":    {k.ReqCnf()},
	}
}
