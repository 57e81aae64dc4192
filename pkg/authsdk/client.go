package authsdk

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenPath is appended to the authority to form the token endpoint.
const TokenPath = "/oauth2/v2.0/token"

// SDKClient exchanges one application identity for access tokens.
type SDKClient struct {
	Authority  string
	ClientID   string
	Credential Credential
	HTTPClient *http.Client

	// Now is the clock used for client assertions. Defaults to time.Now.
	Now func() time.Time
}

// NewSDKClient validates the authority and returns a client for it.
func NewSDKClient(authority, clientID string, cred Credential) (*SDKClient, error) {
	u, err := url.Parse(authority)
	if err != nil {
		return nil, fmt.Errorf("authsdk: parse authority: %w", err)
	}
	if !u.IsAbs() || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("authsdk: authority %q is not an absolute http(s) URL", authority)
	}
	if clientID == "" {
		return nil, errors.New("authsdk: client id is required")
	}
	if cred == nil {
		return nil, errors.New("authsdk: credential is required")
	}

	return &SDKClient{
		Authority:  strings.TrimSuffix(authority, "/"),
		ClientID:   clientID,
		Credential: cred,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		Now: time.Now,
	}, nil
}

// TokenURL returns the token endpoint of the authority.
func (c *SDKClient) TokenURL() string {
	return c.Authority + TokenPath
}

func (c *SDKClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
