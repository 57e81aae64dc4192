package domain

import "fmt"

// ArcHostnameSuffix is appended to "<principal>.<location>" to form the
// public hostname of an Arc-enabled server.
const ArcHostnameSuffix = "arc.waconazure.com"

// ApplicationIdentity is the long-lived identity exchanged for tokens. Exactly
// one of ClientSecret or CertificatePath is expected to be set.
type ApplicationIdentity struct {
	Authority           string
	ClientID            string
	ClientSecret        string
	CertificatePath     string
	CertificatePassword string
}

// UsesCertificate reports whether the identity authenticates with a
// certificate rather than a client secret.
func (a ApplicationIdentity) UsesCertificate() bool {
	return a.CertificatePath != ""
}

// RelayTarget names the machine a relay is provisioned for.
type RelayTarget struct {
	SubscriptionID string
	ResourceGroup  string
	MachineName    string
	Location       string
	PrincipalID    string

	// ServiceURL is the service the relay forwards to, as registered with
	// the proxy.
	ServiceURL string

	// LocalHostname replaces the public Arc hostname when running against a
	// local proxy.
	LocalHostname string
}

// ResourceID returns the ARM resource path of the machine.
func (t RelayTarget) ResourceID() string {
	return fmt.Sprintf(
		"/subscriptions/%s/resourceGroups/%s/providers/Microsoft.HybridCompute/machines/%s",
		t.SubscriptionID, t.ResourceGroup, t.MachineName,
	)
}

// ExpectedServerIdentity is the certificate subject the relay endpoint must
// present. It is the machine's resource path.
func (t RelayTarget) ExpectedServerIdentity() string {
	return t.ResourceID()
}

// Hostname returns the hostname registered with the proxy.
func (t RelayTarget) Hostname() string {
	if t.LocalHostname != "" {
		return t.LocalHostname
	}
	return fmt.Sprintf("%s.%s.%s", t.PrincipalID, t.Location, ArcHostnameSuffix)
}
