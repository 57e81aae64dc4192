package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/internal/relay/metrics"
	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
)

const (
	// DefaultManagementEndpoint is the Azure Resource Manager endpoint.
	DefaultManagementEndpoint = "https://management.azure.com"

	ManagementAPIVersion   = "2021-10-06-preview"
	RegistrationAPIVersion = "2022-05-01"

	maxBodyBytes = 1 << 20
)

// ErrResponseTooLarge reports a response body over the reader's limit.
var ErrResponseTooLarge = errors.New("response too large")

// DefaultProxyBaseURL returns the regional SNI proxy control endpoint.
func DefaultProxyBaseURL(location string) string {
	return fmt.Sprintf("https://control.%s.arc.wac.azure.com:47011", location)
}

// TokenSource hands out access tokens. *TokenProvider satisfies it.
type TokenSource interface {
	Acquire(ctx context.Context, req domain.TokenRequest) (domain.AccessToken, error)
}

// RelayProvisioner obtains relay endpoints. Every call to Provision is a new
// single-use lease.
type RelayProvisioner struct {
	Tokens TokenSource

	// Management talks to Resource Manager and verifies certificates
	// against the system trust store.
	Management *http.Client

	// Registration talks to the proxy helper and trusts any certificate.
	Registration *http.Client

	ManagementEndpoint string
	ProxyBaseURL       string
	Target             domain.RelayTarget
	Metrics            metrics.Recorder
}

type managementResponse struct {
	Relay *domain.RelayCredential `json:"relay"`
}

type serviceConfig struct {
	Service  string `json:"service"`
	Hostname string `json:"hostname"`
}

type registrationRequest struct {
	ServiceConfig serviceConfig          `json:"serviceConfig"`
	Relay         domain.RelayCredential `json:"relay"`
}

type registrationResponse struct {
	Proxy     string `json:"proxy"`
	ExpiresOn int64  `json:"expiresOn"`
}

// Provision lists fresh relay credentials for the target machine and
// registers them with the proxy, returning the resulting endpoint.
func (p *RelayProvisioner) Provision(ctx context.Context) (domain.RelayEndpoint, error) {
	l := slogx.FromContext(ctx)

	ep, err := p.provision(ctx)
	if err != nil {
		p.recorder().Provisioned(metrics.ResultFailure)
		return domain.RelayEndpoint{}, err
	}

	p.recorder().Provisioned(metrics.ResultSuccess)
	l.Info("relay provisioned",
		slog.String("host", ep.HostHeader),
		slog.Int("port", ep.Port),
		slog.Time("expires_at", ep.ExpiresAt),
	)
	return ep, nil
}

func (p *RelayProvisioner) provision(ctx context.Context) (domain.RelayEndpoint, error) {
	cred, err := p.listCredentials(ctx)
	if err != nil {
		return domain.RelayEndpoint{}, err
	}

	reg, err := p.register(ctx, cred)
	if err != nil {
		return domain.RelayEndpoint{}, err
	}

	expiresAt := cred.ExpiresAt()
	if reg.ExpiresOn > 0 {
		if t := time.Unix(reg.ExpiresOn, 0); t.Before(expiresAt) {
			expiresAt = t
		}
	}

	return domain.ParseRelayEndpoint(reg.Proxy, expiresAt)
}

// ListCredentialsURL returns the management URL that mints relay credentials.
func (p *RelayProvisioner) ListCredentialsURL() string {
	base := p.ManagementEndpoint
	if base == "" {
		base = DefaultManagementEndpoint
	}
	return fmt.Sprintf(
		"%s%s/providers/Microsoft.HybridConnectivity/endpoints/default/listCredentials?api-version=%s",
		strings.TrimSuffix(base, "/"), p.Target.ResourceID(), ManagementAPIVersion,
	)
}

// RegistrationURL returns the proxy registration URL.
func (p *RelayProvisioner) RegistrationURL() string {
	base := p.ProxyBaseURL
	if base == "" {
		base = DefaultProxyBaseURL(p.Target.Location)
	}
	return fmt.Sprintf("%s/sni/register?api-version=%s", strings.TrimSuffix(base, "/"), RegistrationAPIVersion)
}

func (p *RelayProvisioner) listCredentials(ctx context.Context) (domain.RelayCredential, error) {
	base := p.ManagementEndpoint
	if base == "" {
		base = DefaultManagementEndpoint
	}

	tok, err := p.Tokens.Acquire(ctx, domain.TokenRequest{
		Scopes: []string{strings.TrimSuffix(base, "/") + domain.DefaultScopeSuffix},
	})
	if err != nil {
		return domain.RelayCredential{}, fmt.Errorf("management token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ListCredentialsURL(), bytes.NewReader(nil))
	if err != nil {
		return domain.RelayCredential{}, &domain.ProvisionFault{Kind: domain.ProvisionCredentialDenied, Err: err}
	}
	req.Header.Set("Authorization", tok.Header())
	req.Header.Set("Content-Type", "application/json")

	status, body, err := do(p.Management, req, maxBodyBytes)
	if err != nil {
		return domain.RelayCredential{}, &domain.ProvisionFault{Kind: domain.ProvisionCredentialDenied, StatusCode: status, Err: err}
	}
	if status != http.StatusOK {
		return domain.RelayCredential{}, &domain.ProvisionFault{
			Kind:       domain.ProvisionCredentialDenied,
			StatusCode: status,
			Body:       string(body),
		}
	}

	var resp managementResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.RelayCredential{}, &domain.ProvisionFault{Kind: domain.ProvisionMalformedResponse, StatusCode: status, Err: err}
	}
	if resp.Relay == nil {
		return domain.RelayCredential{}, &domain.ProvisionFault{
			Kind:       domain.ProvisionMalformedResponse,
			StatusCode: status,
			Err:        errors.New("relay is missing"),
		}
	}
	if err := resp.Relay.Validate(); err != nil {
		return domain.RelayCredential{}, &domain.ProvisionFault{Kind: domain.ProvisionMalformedResponse, StatusCode: status, Err: err}
	}

	slogx.FromContext(ctx).Debug("relay credentials listed",
		slog.String("namespace", resp.Relay.NamespaceName),
		slog.String("hybrid_connection", resp.Relay.HybridConnectionName),
		slog.Time("expires_at", resp.Relay.ExpiresAt()),
	)
	return *resp.Relay, nil
}

func (p *RelayProvisioner) register(ctx context.Context, cred domain.RelayCredential) (registrationResponse, error) {
	payload, err := json.Marshal(registrationRequest{
		ServiceConfig: serviceConfig{
			Service:  p.Target.ServiceURL,
			Hostname: p.Target.Hostname(),
		},
		Relay: cred,
	})
	if err != nil {
		return registrationResponse{}, &domain.ProvisionFault{Kind: domain.ProvisionRegistrationFailed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RegistrationURL(), bytes.NewReader(payload))
	if err != nil {
		return registrationResponse{}, &domain.ProvisionFault{Kind: domain.ProvisionRegistrationFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := do(p.Registration, req, maxBodyBytes)
	if err != nil {
		return registrationResponse{}, &domain.ProvisionFault{Kind: domain.ProvisionRegistrationFailed, StatusCode: status, Err: err}
	}
	if status != http.StatusOK {
		return registrationResponse{}, &domain.ProvisionFault{
			Kind:       domain.ProvisionRegistrationFailed,
			StatusCode: status,
			Body:       string(body),
		}
	}

	var resp registrationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return registrationResponse{}, &domain.ProvisionFault{Kind: domain.ProvisionMalformedResponse, StatusCode: status, Err: err}
	}
	if resp.Proxy == "" {
		return registrationResponse{}, &domain.ProvisionFault{
			Kind:       domain.ProvisionMalformedResponse,
			StatusCode: status,
			Err:        errors.New("proxy is missing"),
		}
	}
	return resp, nil
}

func (p *RelayProvisioner) recorder() metrics.Recorder {
	if p.Metrics != nil {
		return p.Metrics
	}
	return metrics.Nop{}
}

// do sends req and reads the response body, failing with ErrResponseTooLarge
// when it holds more than limit bytes.
func do(client *http.Client, req *http.Request, limit int64) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if int64(len(body)) > limit {
		return resp.StatusCode, nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, limit)
	}
	return resp.StatusCode, bytes.TrimSpace(body), nil
}
