package authsdk_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/arcrelay/pkg/authsdk"
	"github.com/aussiebroadwan/arcrelay/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
	last  atomic.Value // url.Values
}

func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *tokenServer {
	t.Helper()

	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, authsdk.TokenPath) {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ts.calls.Add(1)
		ts.last.Store(r.PostForm)
		handler(w, r.PostForm)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm() url.Values {
	v, _ := ts.last.Load().(url.Values)
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func issue(w http.ResponseWriter, _ url.Values) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "issued-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func TestNewSDKClient(t *testing.T) {
	t.Parallel()

	c, err := authsdk.NewSDKClient("https://login.example.com/tenant/", "client", authsdk.ClientSecret("s"))
	require.NoError(t, err)
	require.Equal(t, "https://login.example.com/tenant/oauth2/v2.0/token", c.TokenURL())

	_, err = authsdk.NewSDKClient("login.example.com/tenant", "client", authsdk.ClientSecret("s"))
	require.Error(t, err)

	_, err = authsdk.NewSDKClient("ftp://login.example.com", "client", authsdk.ClientSecret("s"))
	require.Error(t, err)

	_, err = authsdk.NewSDKClient("https://login.example.com", "", authsdk.ClientSecret("s"))
	require.Error(t, err)

	_, err = authsdk.NewSDKClient("https://login.example.com", "client", nil)
	require.Error(t, err)
}

func TestClientCredentialsGrant_Secret(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, issue)
	c, err := authsdk.NewSDKClient(ts.URL+"/tenant", "client-1", authsdk.ClientSecret("s3cret"))
	require.NoError(t, err)

	extra := url.Values{"token_type": {"pop"}, "req_cnf": {"abc"}}
	tok, err := c.ClientCredentialsGrant(context.Background(), []string{"api://thing/.default"}, extra)
	require.NoError(t, err)

	require.Equal(t, "issued-token", tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)

	form := ts.lastForm()
	require.Equal(t, "client_credentials", form.Get("grant_type"))
	require.Equal(t, "client-1", form.Get("client_id"))
	require.Equal(t, "s3cret", form.Get("client_secret"))
	require.Equal(t, "api://thing/.default", form.Get("scope"))
	require.Equal(t, "pop", form.Get("token_type"))
	require.Equal(t, "abc", form.Get("req_cnf"))
	require.EqualValues(t, 1, ts.calls.Load())
}

func TestClientCredentialsGrant_RequiresScopes(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, issue)
	c, err := authsdk.NewSDKClient(ts.URL, "client-1", authsdk.ClientSecret("s"))
	require.NoError(t, err)

	_, err = c.ClientCredentialsGrant(context.Background(), nil, nil)
	require.Error(t, err)
	require.Zero(t, ts.calls.Load())
}

func TestClientCredentialsGrant_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		status       int
		code         string
		invalidScope bool
		temporary    bool
	}{
		{"invalid scope", http.StatusBadRequest, authsdk.ErrorCodeInvalidScope, true, false},
		{"invalid client", http.StatusUnauthorized, authsdk.ErrorCodeInvalidClient, false, false},
		{"server error", http.StatusServiceUnavailable, authsdk.ErrorCodeTemporarilyUnavail, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
				writeJSON(w, tt.status, map[string]string{
					"error":             tt.code,
					"error_description": "nope",
				})
			})
			c, err := authsdk.NewSDKClient(ts.URL, "client-1", authsdk.ClientSecret("s"))
			require.NoError(t, err)

			_, err = c.ClientCredentialsGrant(context.Background(), []string{"x/.default"}, nil)
			require.Error(t, err)

			var oerr *authsdk.OAuth2Error
			require.True(t, errors.As(err, &oerr))
			require.Equal(t, tt.status, oerr.StatusCode)
			require.Equal(t, tt.code, oerr.Code)
			require.Equal(t, "nope", oerr.Description)
			require.Equal(t, tt.invalidScope, authsdk.IsInvalidScope(err))
			require.Equal(t, tt.temporary, authsdk.IsTemporary(err))
		})
	}
}

func TestClientCredentialsGrant_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := authsdk.NewSDKClient(addr, "client-1", authsdk.ClientSecret("s"))
	require.NoError(t, err)

	_, err = c.ClientCredentialsGrant(context.Background(), []string{"x/.default"}, nil)
	require.ErrorIs(t, err, authsdk.ErrTransport)
	require.True(t, authsdk.IsTemporary(err))
	require.False(t, authsdk.IsInvalidScope(err))
}

func TestClientCredentialsGrant_Certificate(t *testing.T) {
	t.Parallel()

	key, cert := newCertificate(t, time.Now().Add(time.Hour))
	cred, err := authsdk.NewCertificateCredential(cert, key)
	require.NoError(t, err)

	ts := newTokenServer(t, issue)
	c, err := authsdk.NewSDKClient(ts.URL+"/tenant", "client-1", cred)
	require.NoError(t, err)

	_, err = c.ClientCredentialsGrant(context.Background(), []string{"x/.default"}, nil)
	require.NoError(t, err)

	form := ts.lastForm()
	require.Empty(t, form.Get("client_secret"))
	require.Equal(t, authsdk.ClientAssertionType, form.Get("client_assertion_type"))

	assertion := form.Get("client_assertion")
	var claims jwt.RegisteredClaims
	require.NoError(t, jwtx.VerifyRS256(assertion, &claims, jwtx.StaticKey(&key.PublicKey)))
	require.Equal(t, "client-1", claims.Issuer)
	require.Equal(t, "client-1", claims.Subject)
	require.Equal(t, jwt.ClaimStrings{c.TokenURL()}, claims.Audience)
	require.NotEmpty(t, claims.ID)

	parsed, _, err := jwt.NewParser().ParseUnverified(assertion, &jwt.RegisteredClaims{})
	require.NoError(t, err)
	require.Equal(t, cred.Thumbprint(), parsed.Header["x5t"])
}

func TestCertificateCredential_Rejects(t *testing.T) {
	t.Parallel()

	t.Run("expired certificate", func(t *testing.T) {
		key, cert := newCertificate(t, time.Now().Add(-time.Minute))
		cred, err := authsdk.NewCertificateCredential(cert, key)
		require.NoError(t, err)

		c, err := authsdk.NewSDKClient("https://login.example.com", "client-1", cred)
		require.NoError(t, err)

		_, err = c.ClientCredentialsGrant(context.Background(), []string{"x/.default"}, nil)
		require.ErrorContains(t, err, "certificate expired")
	})

	t.Run("key mismatch", func(t *testing.T) {
		_, cert := newCertificate(t, time.Now().Add(time.Hour))
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		_, err = authsdk.NewCertificateCredential(cert, other)
		require.Error(t, err)
	})

	t.Run("missing bundle", func(t *testing.T) {
		_, err := authsdk.LoadCertificate(t.TempDir()+"/missing.pfx", "")
		require.Error(t, err)
	})
}

func TestClientSecretRejectsEmpty(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, issue)
	c, err := authsdk.NewSDKClient(ts.URL, "client-1", authsdk.ClientSecret(""))
	require.NoError(t, err)

	_, err = c.ClientCredentialsGrant(context.Background(), []string{"x/.default"}, nil)
	require.Error(t, err)
	require.Zero(t, ts.calls.Load())
}

func newCertificate(t *testing.T, notAfter time.Time) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "arcrelay-client"},
		NotBefore:    notAfter.Add(-2 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}
