package authsdk

import "time"

// TokenResponse is the part of a token endpoint response callers need.
type TokenResponse struct {
	// AccessToken is the token as issued.
	AccessToken string

	// TokenType is "Bearer" or, for proof-of-possession requests, "pop".
	TokenType string

	// ExpiresAt is zero when the issuer sent no lifetime.
	ExpiresAt time.Time

	// Scope is the space-delimited list of granted scopes, if returned.
	Scope string
}

// ExpiresWithin reports whether the token expires within d of now.
func (t *TokenResponse) ExpiresWithin(d time.Duration, now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(d).Before(t.ExpiresAt)
}
