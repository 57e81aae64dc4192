package httpx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
	"golang.org/x/net/http2"
)

// DefaultTimeout bounds a single request on clients built by this package.
const DefaultTimeout = 30 * time.Second

// PinConfig describes a pinned channel to one relay endpoint.
type PinConfig struct {
	// Identity is the only certificate subject the channel will trust.
	Identity string

	// DialHost overrides the address dialled for every request. When empty
	// the host from the request URL is dialled.
	DialHost string

	// Port overrides the dialled port when DialHost is set.
	Port int

	// ServerName is sent as SNI. Empty means the request URL host.
	ServerName string

	Timeout time.Duration
	Logger  *slog.Logger
}

// NewPinnedClient returns a client whose TLS trust decision is exactly
// VerifyPinnedIdentity(cfg.Identity). The system trust store is not consulted.
func NewPinnedClient(cfg PinConfig) (*http.Client, error) {
	if cfg.Identity == "" {
		return nil, errors.New("httpx: pinned client requires an identity")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("httpx: invalid port %d", cfg.Port)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, dialTarget(cfg, addr))
		},
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         cfg.ServerName,
			InsecureSkipVerify: true, //nolint:gosec // trust is decided by VerifyConnection
			VerifyConnection:   VerifyPinnedIdentity(cfg.Identity),
		},
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        4,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("httpx: configure http2: %w", err)
	}

	return finish(transport, cfg.Timeout, cfg.Logger), nil
}

// NewLoopbackClient returns a client that accepts any server certificate. It
// exists for the registration call to the local proxy helper only and must
// never carry polling traffic.
func NewLoopbackClient(timeout time.Duration, logger *slog.Logger) *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // loopback helper only
		},
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     30 * time.Second,
	}
	return finish(transport, timeout, logger)
}

// NewClient returns a client that verifies servers against the system trust
// store, used for the management and token endpoints.
func NewClient(timeout time.Duration, logger *slog.Logger) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return finish(transport, timeout, logger)
}

func finish(rt http.RoundTripper, timeout time.Duration, logger *slog.Logger) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return slogx.WrapClient(&http.Client{Transport: rt, Timeout: timeout}, logger)
}

func dialTarget(cfg PinConfig, addr string) string {
	if cfg.DialHost == "" {
		return addr
	}
	_, port, err := net.SplitHostPort(addr)
	switch {
	case cfg.Port > 0:
		port = strconv.Itoa(cfg.Port)
	case err != nil:
		port = "443"
	}
	return net.JoinHostPort(cfg.DialHost, port)
}
