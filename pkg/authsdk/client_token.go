package authsdk

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsGrant requests an access token using the OAuth2
// client_credentials grant. Every call reaches the token endpoint.
//
// extra is sent as additional form parameters; it must not contain
// grant_type, scope or client credentials.
func (c *SDKClient) ClientCredentialsGrant(
	ctx context.Context,
	scopes []string,
	extra url.Values,
) (*TokenResponse, error) {
	if len(scopes) == 0 {
		return nil, errors.New("authsdk: at least one scope is required")
	}

	cfg := &clientcredentials.Config{
		ClientID:       c.ClientID,
		TokenURL:       c.TokenURL(),
		Scopes:         scopes,
		EndpointParams: url.Values{},
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	for k, v := range extra {
		cfg.EndpointParams[k] = v
	}
	if err := c.Credential.Configure(cfg, c.now()); err != nil {
		return nil, fmt.Errorf("authsdk: configure credential: %w", err)
	}

	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, translateError(err)
	}

	resp := &TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.Expiry,
	}
	if s, ok := tok.Extra("scope").(string); ok {
		resp.Scope = s
	}
	return resp, nil
}
