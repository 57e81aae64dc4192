package popx

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/arcrelay/pkg/cryptox"
	"github.com/aussiebroadwan/arcrelay/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrBindingMismatch = errors.New("popx: request does not match signed binding")
	ErrKeyMismatch     = errors.New("popx: kid does not match confirmation key")
	ErrStale           = errors.New("popx: signed request is too old")
)

// Claims is the SHR payload.
type Claims struct {
	AccessToken  string       `json:"at"`
	Timestamp    int64        `json:"ts"`
	Method       string       `json:"m"`
	Host         string       `json:"u"`
	Path         string       `json:"p"`
	Nonce        string       `json:"nonce"`
	Confirmation Confirmation `json:"cnf"`
}

// Confirmation carries the public key the SHR was signed with.
type Confirmation struct {
	JWK jwtx.JWK `json:"jwk"`
}

// The SHR has no registered claims, ts is checked by Verify instead.
func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (c *Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c *Claims) GetIssuer() (string, error)                   { return "", nil }
func (c *Claims) GetSubject() (string, error)                  { return "", nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Sign wraps accessToken into an SHR bound to method and target.
func (k *Key) Sign(accessToken, method string, target *url.URL, now time.Time) (string, error) {
	if accessToken == "" {
		return "", errors.New("popx: empty access token")
	}
	if target == nil || !target.IsAbs() || target.Host == "" {
		return "", fmt.Errorf("popx: target must be an absolute URL")
	}

	nonce, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", fmt.Errorf("popx: nonce: %w", err)
	}

	claims := &Claims{
		AccessToken:  accessToken,
		Timestamp:    now.Unix(),
		Method:       strings.ToUpper(method),
		Host:         target.Host,
		Path:         requestPath(target),
		Nonce:        nonce,
		Confirmation: Confirmation{JWK: k.jwk},
	}

	return k.signer.Sign(claims, map[string]any{"typ": TokenType})
}

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	// MaxAge rejects SHRs whose ts is older than this. Zero disables the check.
	MaxAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Verify checks the SHR signature against its confirmation key and that it
// was minted for exactly this method and target.
func Verify(shr, method string, target *url.URL, opts VerifyOptions) (*Claims, error) {
	claims := &Claims{}
	err := jwtx.VerifyRS256(shr, claims, func(t *jwt.Token) (*rsa.PublicKey, error) {
		pub, err := claims.Confirmation.JWK.RSAPublicKey()
		if err != nil {
			return nil, err
		}
		if kid, _ := t.Header["kid"].(string); kid != claims.Confirmation.JWK.Thumbprint() {
			return nil, ErrKeyMismatch
		}
		return pub, nil
	})
	if err != nil {
		return nil, err
	}

	if target == nil {
		return nil, ErrBindingMismatch
	}
	if claims.Method != strings.ToUpper(method) ||
		!strings.EqualFold(claims.Host, target.Host) ||
		claims.Path != requestPath(target) {
		return nil, ErrBindingMismatch
	}

	if opts.MaxAge > 0 {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		if now().Sub(time.Unix(claims.Timestamp, 0)) > opts.MaxAge {
			return nil, ErrStale
		}
	}

	return claims, nil
}

func requestPath(u *url.URL) string {
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}
