package authsdk

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth2 error codes per RFC 6749.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeServerError          = "server_error"
	ErrorCodeTemporarilyUnavail   = "temporarily_unavailable"
)

// ErrTransport wraps failures that never produced a token endpoint response.
var ErrTransport = errors.New("authsdk: token endpoint unreachable")

// OAuth2Error represents a standard OAuth2 error response per RFC 6749.
type OAuth2Error struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Code is the OAuth2 error code (e.g., "invalid_scope").
	Code string

	// Description is the issuer's human-readable description.
	Description string
}

// Error implements the error interface.
func (e *OAuth2Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth2: %s (status %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("oauth2: %s: %s (status %d)", e.Code, e.Description, e.StatusCode)
}

// Temporary reports whether retrying the same request later may succeed.
func (e *OAuth2Error) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.Code == ErrorCodeServerError ||
		e.Code == ErrorCodeTemporarilyUnavail
}

// IsInvalidScope reports whether err is an invalid_scope rejection.
func IsInvalidScope(err error) bool {
	var oerr *OAuth2Error
	return errors.As(err, &oerr) && oerr.Code == ErrorCodeInvalidScope
}

// IsTemporary reports whether err is a transport failure or a temporary
// issuer error.
func IsTemporary(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var oerr *OAuth2Error
	return errors.As(err, &oerr) && oerr.Temporary()
}

// translateError maps errors returned by golang.org/x/oauth2 onto this
// package's error values.
func translateError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		oerr := &OAuth2Error{
			Code:        rerr.ErrorCode,
			Description: rerr.ErrorDescription,
		}
		if rerr.Response != nil {
			oerr.StatusCode = rerr.Response.StatusCode
		}
		if oerr.Code == "" {
			oerr.Code = http.StatusText(oerr.StatusCode)
		}
		return oerr
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
