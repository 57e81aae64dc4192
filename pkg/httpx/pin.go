package httpx

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoPeerCertificate is returned when the server presents no certificate.
	ErrNoPeerCertificate = errors.New("httpx: server presented no certificate")

	// ErrIdentityMismatch is returned when the leaf certificate does not name
	// the expected identity.
	ErrIdentityMismatch = errors.New("httpx: server identity mismatch")
)

// CommonName returns the text after the last '=' of a rendered subject name.
// A subject without '=' is returned unchanged.
func CommonName(subject string) string {
	if i := strings.LastIndex(subject, "="); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// IdentityMatches reports whether subject names exactly the expected identity.
// The comparison is case-sensitive. An empty subject or an empty expectation
// never matches.
func IdentityMatches(subject, expected string) bool {
	if subject == "" || expected == "" {
		return false
	}
	return CommonName(subject) == expected
}

// VerifyPinnedIdentity returns a tls.Config.VerifyConnection callback that
// accepts a peer only when its leaf certificate is issued to expected. It is
// meant to be the sole trust decision, so it pairs with InsecureSkipVerify.
func VerifyPinnedIdentity(expected string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return ErrNoPeerCertificate
		}

		leaf := cs.PeerCertificates[0]
		subject := leaf.Subject.String()
		if cn := leaf.Subject.CommonName; cn != "" {
			subject = "CN=" + cn
		}

		if !IdentityMatches(subject, expected) {
			return fmt.Errorf("%w: got %q", ErrIdentityMismatch, subject)
		}
		return nil
	}
}
