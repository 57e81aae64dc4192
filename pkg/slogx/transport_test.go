package slogx_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func TestTransportLogsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slogx.New(slogx.Config{Service: "test", Level: "debug", Format: "json", Output: &buf})

	client := slogx.WrapClient(&http.Client{}, logger)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/status?secret=1", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	out := buf.String()
	require.Contains(t, out, `"msg":"http_client_request"`)
	require.Contains(t, out, `"path":"/status"`)
	require.Contains(t, out, `"status":418`)
	require.NotContains(t, out, "secret=1")
}

func TestTransportPrefersContextLogger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var base, scoped bytes.Buffer
	baseLogger := slogx.New(slogx.Config{Level: "debug", Output: &base})
	scopedLogger := slogx.New(slogx.Config{Level: "debug", Output: &scoped})

	client := slogx.WrapClient(&http.Client{}, baseLogger)

	ctx := slogx.WithGeneration(slogx.WithContext(context.Background(), scopedLogger), "gen-1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Empty(t, base.String())
	require.Contains(t, scoped.String(), `"generation":"gen-1"`)
}

type idleCloser struct {
	http.RoundTripper
	closed int
}

func (c *idleCloser) CloseIdleConnections() { c.closed++ }

func TestTransportForwardsCloseIdleConnections(t *testing.T) {
	base := &idleCloser{RoundTripper: http.DefaultTransport}
	client := slogx.WrapClient(&http.Client{Transport: base}, slogx.Discard())

	client.CloseIdleConnections()
	require.Equal(t, 1, base.closed)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", slogx.ParseLevel("debug").String())
	require.Equal(t, "WARN", slogx.ParseLevel("warning").String())
	require.Equal(t, "ERROR", slogx.ParseLevel("ERROR").String())
	require.Equal(t, "INFO", slogx.ParseLevel("bogus").String())
}
