package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RelayCredential is the single-use grant returned by the management API.
type RelayCredential struct {
	NamespaceName        string `json:"namespaceName"`
	NamespaceNameSuffix  string `json:"namespaceNameSuffix"`
	HybridConnectionName string `json:"hybridConnectionName"`
	AccessKey            string `json:"accessKey"`
	ExpiresOn            int64  `json:"expiresOn"` // unix seconds
}

// Validate reports the first missing field.
func (c RelayCredential) Validate() error {
	switch {
	case c.NamespaceName == "":
		return errors.New("relay.namespaceName is missing")
	case c.NamespaceNameSuffix == "":
		return errors.New("relay.namespaceNameSuffix is missing")
	case c.HybridConnectionName == "":
		return errors.New("relay.hybridConnectionName is missing")
	case c.AccessKey == "":
		return errors.New("relay.accessKey is missing")
	case c.ExpiresOn <= 0:
		return errors.New("relay.expiresOn is missing")
	}
	return nil
}

// ExpiresAt returns ExpiresOn as a time.
func (c RelayCredential) ExpiresAt() time.Time {
	return time.Unix(c.ExpiresOn, 0)
}

// RelayEndpoint is a provisioned, time-bounded relay URL.
type RelayEndpoint struct {
	URI        string    `json:"uri"`
	HostHeader string    `json:"hostHeader"`
	Port       int       `json:"port"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ParseRelayEndpoint decomposes a relay URL of the form
// scheme://host[:port][/...]. It is plain string splitting on '/': the third
// segment must hold the host and optional port. A missing port is taken from
// the scheme (https 443, http 80).
func ParseRelayEndpoint(raw string, expiresAt time.Time) (RelayEndpoint, error) {
	malformed := func(msg string) error {
		return &ProvisionFault{
			Kind: ProvisionMalformedEndpoint,
			Err:  fmt.Errorf("%s in %q", msg, raw),
		}
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 3 {
		return RelayEndpoint{}, malformed("too few segments")
	}

	hostport := parts[2]
	host, portStr := hostport, ""
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		host, portStr = hostport[:i], hostport[i+1:]
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return RelayEndpoint{}, malformed("empty host")
	}

	var port int
	if portStr == "" {
		switch strings.ToLower(strings.TrimSuffix(parts[0], ":")) {
		case "https":
			port = 443
		case "http":
			port = 80
		default:
			return RelayEndpoint{}, malformed("no port and unknown scheme")
		}
	} else {
		n, err := strconv.Atoi(portStr)
		if err != nil || n < 1 || n > 65535 {
			return RelayEndpoint{}, malformed("invalid port")
		}
		port = n
	}

	return RelayEndpoint{
		URI:        raw,
		HostHeader: host,
		Port:       port,
		ExpiresAt:  expiresAt,
	}, nil
}

// Remaining returns the lease time left at now. Negative once expired.
func (e RelayEndpoint) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

// Target joins the endpoint URI and an API path.
func (e RelayEndpoint) Target(apiPath string) string {
	if apiPath == "" {
		return e.URI
	}
	return strings.TrimSuffix(e.URI, "/") + "/" + strings.TrimPrefix(apiPath, "/")
}
