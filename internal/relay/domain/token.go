package domain

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultScopeSuffix terminates every client-credentials scope.
const DefaultScopeSuffix = "/.default"

// TokenKind distinguishes bearer tokens from proof-of-possession tokens.
type TokenKind string

const (
	TokenPlain TokenKind = "plain"
	TokenPoP   TokenKind = "pop"
)

var errNotAbsolute = errors.New("not an absolute URI")

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// NormalizeMethod upper-cases m. Empty or unsupported verbs become GET.
func NormalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if !allowedMethods[m] {
		return http.MethodGet
	}
	return m
}

// ValidScope reports whether s has the shape "<resource>/.default".
func ValidScope(s string) bool {
	resource, ok := strings.CutSuffix(s, DefaultScopeSuffix)
	return ok && strings.TrimSpace(resource) != ""
}

// PoPBinding is the (destination, verb) pair a PoP token is minted for.
type PoPBinding struct {
	URI    string
	Method string
}

// Target parses the binding URI, requiring it to be absolute.
func (b PoPBinding) Target() (*url.URL, error) {
	u, err := url.Parse(b.URI)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, &url.Error{Op: "parse", URL: b.URI, Err: errNotAbsolute}
	}
	return u, nil
}

// TokenRequest asks for a token for the given scopes. A non-nil Binding makes
// it a proof-of-possession request.
type TokenRequest struct {
	Scopes  []string
	Binding *PoPBinding
}

// Kind returns the kind of token the request produces.
func (r TokenRequest) Kind() TokenKind {
	if r.Binding != nil {
		return TokenPoP
	}
	return TokenPlain
}

// CacheKey identifies equivalent requests. Scope order is significant.
func (r TokenRequest) CacheKey() string {
	key := strings.Join(r.Scopes, " ")
	if r.Binding != nil {
		key += "|" + NormalizeMethod(r.Binding.Method) + " " + r.Binding.URI
	}
	return key
}

// AccessToken is a short-lived token ready to be presented.
type AccessToken struct {
	// Value is what goes on the wire after the scheme: the signed HTTP
	// request for PoP tokens, the issuer token otherwise.
	Value string

	// Raw is the token as issued.
	Raw string

	Kind      TokenKind
	ExpiresAt time.Time
}

// Scheme returns the Authorization scheme for the token.
func (t AccessToken) Scheme() string {
	if t.Kind == TokenPoP {
		return "PoP"
	}
	return "Bearer"
}

// Header returns the full Authorization header value.
func (t AccessToken) Header() string {
	return t.Scheme() + " " + t.Value
}

// ValidAt reports whether the token may still be used at now, leaving buffer
// before expiry.
func (t AccessToken) ValidAt(now time.Time, buffer time.Duration) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-buffer))
}
