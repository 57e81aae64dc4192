/*
Package popx implements proof-of-possession access tokens in the Signed HTTP
Request (SHR) form used by Microsoft Entra ID.

A client holds an RSA key for its whole lifetime. When asking the issuer for a
PoP token it sends the key's RFC 7638 thumbprint as "req_cnf"; the issuer binds
the access token to that key. Before every request the client wraps the access
token in a JWT signed with the same key that also names the HTTP verb, host and
path of the request:

	key, _ := popx.NewKey()
	params := key.TokenParams() // token_type=pop&req_cnf=...
	// ... exchange credentials with params ...
	shr, _ := key.Sign(accessToken, http.MethodGet, target, time.Now())
	req.Header.Set("Authorization", popx.Scheme+" "+shr)

A receiver (or a test) calls Verify with the request it actually received. An
SHR replayed against any other verb, host or path fails with ErrBindingMismatch.
*/
package popx
