/*
Package authsdk is a small client for the Microsoft identity platform token
endpoint, limited to what a daemon needs: the OAuth2 client_credentials grant
authenticated with either a client secret or a certificate.

# Overview

An SDKClient is bound to one application identity:

	client, err := authsdk.NewSDKClient(
		"https://login.microsoftonline.com/<tenant>",
		"<client-id>",
		authsdk.ClientSecret("<secret>"),
	)

	tok, err := client.ClientCredentialsGrant(ctx, []string{"https://management.azure.com/.default"}, nil)

Extra form parameters are passed through untouched, which is how callers
request proof-of-possession tokens (see pkg/popx):

	tok, err := client.ClientCredentialsGrant(ctx, scopes, key.TokenParams())

# Credentials

ClientSecret sends client_id and client_secret in the form body.
CertificateCredential signs an RFC 7523 client assertion with the
certificate's private key and identifies the certificate with an "x5t"
header. LoadCertificate reads both halves from a PKCS#12 bundle.

# Error Handling

Token endpoint rejections come back as *OAuth2Error, carrying the HTTP status
and the RFC 6749 error code:

	tok, err := client.ClientCredentialsGrant(ctx, scopes, nil)
	var oerr *authsdk.OAuth2Error
	if errors.As(err, &oerr) && oerr.Code == authsdk.ErrorCodeInvalidScope {
		// fix the scope
	}

Failures that never produced a response wrap ErrTransport.

# Caching

The client does not cache. Callers keep tokens for as long as they see fit,
typically until 30 seconds before TokenResponse.ExpiresAt.
*/
package authsdk
