package slogx

import (
	"log/slog"
	"net/http"
	"time"
)

// Transport is an http.RoundTripper that logs every outbound request at debug
// level through the logger carried by the request context. Query strings are
// left out, they carry api-version noise and sometimes credentials.
type Transport struct {
	Base http.RoundTripper

	// Logger is used when the request context carries none.
	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	logger := t.Logger
	if l, ok := req.Context().Value(ctxKey{}).(*slog.Logger); ok {
		logger = l
	}
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		logger.Debug("http_client_request",
			"method", req.Method,
			"host", req.URL.Host,
			"path", req.URL.Path,
			"duration_ms", duration,
			"error", err,
		)
		return nil, err
	}

	logger.Debug("http_client_request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}

// CloseIdleConnections forwards to the base transport so http.Client can
// release pooled connections through the wrapper.
func (t *Transport) CloseIdleConnections() {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if c, ok := base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// WrapClient installs a Transport on client, keeping its existing transport
// as the base.
func WrapClient(client *http.Client, logger *slog.Logger) *http.Client {
	client.Transport = &Transport{Base: client.Transport, Logger: logger}
	return client
}
