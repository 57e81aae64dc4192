package authsdk

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/aussiebroadwan/arcrelay/pkg/cryptox"
	"github.com/aussiebroadwan/arcrelay/pkg/jwtx"
	"golang.org/x/crypto/pkcs12"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientAssertionType is the RFC 7523 assertion type for JWT client auth.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Credential authenticates the application to the token endpoint.
type Credential interface {
	// Configure adds client authentication to cfg. ClientID and TokenURL
	// are already set.
	Configure(cfg *clientcredentials.Config, now time.Time) error
}

// ClientSecret authenticates with a shared secret.
type ClientSecret string

// Configure implements Credential.
func (s ClientSecret) Configure(cfg *clientcredentials.Config, _ time.Time) error {
	if s == "" {
		return errors.New("empty client secret")
	}
	cfg.ClientSecret = string(s)
	return nil
}

// CertificateCredential authenticates with a signed client assertion.
type CertificateCredential struct {
	cert   *x509.Certificate
	signer *jwtx.RS256Signer
	x5t    string
}

// NewCertificateCredential pairs a certificate with its RSA private key.
func NewCertificateCredential(cert *x509.Certificate, key *rsa.PrivateKey) (*CertificateCredential, error) {
	if cert == nil {
		return nil, errors.New("authsdk: nil certificate")
	}
	signer, err := jwtx.NewSignerRS256("", key)
	if err != nil {
		return nil, fmt.Errorf("authsdk: certificate key: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, errors.New("authsdk: private key does not match certificate")
	}

	return &CertificateCredential{
		cert:   cert,
		signer: signer,
		x5t:    cryptox.CertificateThumbprint(cert),
	}, nil
}

// LoadCertificate reads a PKCS#12 bundle holding an RSA key and certificate.
func LoadCertificate(path, password string) (*CertificateCredential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authsdk: read certificate: %w", err)
	}

	priv, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("authsdk: decode certificate: %w", err)
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("authsdk: unsupported certificate key type %T", priv)
	}

	return NewCertificateCredential(cert, key)
}

// Thumbprint returns the base64url SHA-1 thumbprint sent as "x5t".
func (c *CertificateCredential) Thumbprint() string { return c.x5t }

// NotAfter returns the certificate's expiry.
func (c *CertificateCredential) NotAfter() time.Time { return c.cert.NotAfter }

// Configure implements Credential.
func (c *CertificateCredential) Configure(cfg *clientcredentials.Config, now time.Time) error {
	if now.After(c.cert.NotAfter) {
		return fmt.Errorf("certificate expired at %s", c.cert.NotAfter.Format(time.RFC3339))
	}

	claims := jwtx.NewAssertionClaims(cfg.ClientID, cfg.TokenURL, jwtx.DefaultAssertionTTL, now)
	assertion, err := c.signer.Sign(claims, map[string]any{"x5t": c.x5t})
	if err != nil {
		return fmt.Errorf("sign client assertion: %w", err)
	}

	cfg.ClientSecret = ""
	if cfg.EndpointParams == nil {
		cfg.EndpointParams = url.Values{}
	}
	cfg.EndpointParams.Set("client_assertion_type", ClientAssertionType)
	cfg.EndpointParams.Set("client_assertion", assertion)
	return nil
}
