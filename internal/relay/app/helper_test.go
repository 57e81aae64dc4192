package app_test

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/app"
	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func TestProxyHelper_NoPathIsNoop(t *testing.T) {
	t.Parallel()

	h := app.NewProxyHelper("", slogx.Discard())
	require.NoError(t, h.Start())
	require.False(t, h.Running())
	require.NoError(t, h.Stop())
}

func TestProxyHelper_BadPathIsConfigFault(t *testing.T) {
	t.Parallel()

	h := app.NewProxyHelper(filepath.Join(t.TempDir(), "no-such-proxy"), slogx.Discard())

	var fault *domain.ConfigFault
	require.ErrorAs(t, h.Start(), &fault)
	require.Equal(t, "PathToProxy", fault.Field)
	require.False(t, h.Running())
}

func TestProxyHelper_StartsOnceAndStops(t *testing.T) {
	t.Parallel()

	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	h := app.NewProxyHelper(sleep, slogx.Discard())
	h.Args = []string{"60"}
	h.StopTimeout = 2 * time.Second

	require.NoError(t, h.Start())
	require.True(t, h.Running())
	require.NoError(t, h.Start(), "second start is a no-op")

	require.NoError(t, h.Stop())
	require.False(t, h.Running())
	require.NoError(t, h.Stop())
}
