package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/pkg/httpx"
	"github.com/aussiebroadwan/arcrelay/pkg/idx"
)

// Header names used when two trust domains are presented together.
const (
	HeaderPoP = "Authorization-POP"
	HeaderPAS = "Authorization-PAS"
)

// Fields of the polled payload surfaced in logs.
var surfacedFields = []string{"Server Name", "Server Time"}

// Credentials is the token material presented on every poll. PAS is optional.
type Credentials struct {
	PoP domain.AccessToken
	PAS *domain.AccessToken
}

// Apply writes the authorization headers for c onto h. A single trust domain
// uses the standard Authorization header; two use one header each.
func (c Credentials) Apply(h http.Header) {
	if c.PAS == nil {
		h.Set("Authorization", c.PoP.Header())
		return
	}
	h.Set(HeaderPoP, c.PoP.Header())
	h.Set(HeaderPAS, c.PAS.Header())
}

// PollResponse is a successfully decoded poll.
type PollResponse struct {
	StatusCode int
	Records    []map[string]json.RawMessage
}

// LogAttrs returns the surfaced payload fields as log attributes.
func (r *PollResponse) LogAttrs() []slog.Attr {
	var attrs []slog.Attr
	for i, rec := range r.Records {
		for _, field := range surfacedFields {
			raw, ok := rec[field]
			if !ok {
				continue
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				v = string(raw)
			}
			key := field
			if len(r.Records) > 1 {
				key = fmt.Sprintf("%s[%d]", field, i)
			}
			attrs = append(attrs, slog.Any(key, v))
		}
	}
	return attrs
}

// Channel issues requests against one relay endpoint.
type Channel interface {
	Poll(ctx context.Context, method, target string, creds Credentials) (*PollResponse, error)
}

// ChannelFactory opens the channel for a newly provisioned endpoint.
type ChannelFactory func(ep domain.RelayEndpoint) (Channel, error)

// DefaultPollBodyLimit caps a poll response body when HTTPChannel.MaxBodyBytes
// is unset.
const DefaultPollBodyLimit = 16 << 20

// HTTPChannel is a Channel over an *http.Client.
type HTTPChannel struct {
	Client *http.Client

	// MaxBodyBytes rejects larger poll responses. Zero means
	// DefaultPollBodyLimit.
	MaxBodyBytes int64
}

// Close drops the idle connections of a channel whose endpoint is retired.
func (c *HTTPChannel) Close() error {
	if c.Client != nil {
		c.Client.CloseIdleConnections()
	}
	return nil
}

// PinnedChannels returns a factory building one pinned client per endpoint.
// When dialHost is set every endpoint is reached through it, on the
// endpoint's own port, with the endpoint host as SNI.
func PinnedChannels(identity, dialHost string, maxBodyBytes int64, timeout time.Duration, logger *slog.Logger) ChannelFactory {
	return func(ep domain.RelayEndpoint) (Channel, error) {
		cfg := httpx.PinConfig{
			Identity:   identity,
			ServerName: ep.HostHeader,
			Timeout:    timeout,
			Logger:     logger,
		}
		if dialHost != "" {
			cfg.DialHost = dialHost
			cfg.Port = ep.Port
		}
		client, err := httpx.NewPinnedClient(cfg)
		if err != nil {
			return nil, err
		}
		return &HTTPChannel{Client: client, MaxBodyBytes: maxBodyBytes}, nil
	}
}

// Poll sends one request and requires a 2xx response whose body is a JSON
// array of objects.
func (c *HTTPChannel) Poll(ctx context.Context, method, target string, creds Credentials) (*PollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, domain.NormalizeMethod(method), target, nil)
	if err != nil {
		return nil, &domain.ChannelFault{Kind: domain.ChannelTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", idx.New().String())
	creds.Apply(req.Header)

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultPollBodyLimit
	}

	status, body, err := do(c.Client, req, limit)
	if errors.Is(err, ErrResponseTooLarge) {
		return nil, &domain.ChannelFault{Kind: domain.ChannelMalformedPayload, StatusCode: status, Err: err}
	}
	if err != nil {
		return nil, &domain.ChannelFault{Kind: domain.ChannelTransport, StatusCode: status, Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &domain.ChannelFault{Kind: domain.ChannelStatus, StatusCode: status, Body: string(body)}
	}

	var records []map[string]json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, &domain.ChannelFault{Kind: domain.ChannelMalformedPayload, StatusCode: status, Err: err}
	}
	if records == nil {
		return nil, &domain.ChannelFault{
			Kind:       domain.ChannelMalformedPayload,
			StatusCode: status,
			Err:        fmt.Errorf("expected a JSON array, got %q", truncate(body, 64)),
		}
	}

	return &PollResponse{StatusCode: status, Records: records}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
