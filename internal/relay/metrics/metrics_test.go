package metrics_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	rec := metrics.NewPrometheus(reg)

	rec.TokenAcquired("pop", metrics.ResultSuccess)
	rec.TokenAcquired("pop", metrics.ResultCached)
	rec.TokenAcquired("plain", metrics.ResultFailure)
	rec.Provisioned(metrics.ResultSuccess)
	rec.Polled(metrics.ResultSuccess, 20*time.Millisecond)
	rec.Polled(metrics.ResultFailure, 40*time.Millisecond)
	rec.Renewed("channel_status")
	rec.LeaseRemaining(90 * time.Second)
	rec.AverageQPS(2.5)

	count, err := testutil.GatherAndCount(reg, "arcrelay_token_acquisitions_total")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count, err = testutil.GatherAndCount(reg, "arcrelay_polls_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(reg, "arcrelay_poll_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(reg,
		"arcrelay_provisions_total",
		"arcrelay_renewals_total",
		"arcrelay_relay_lease_remaining_seconds",
		"arcrelay_relay_average_qps",
	)
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestPrometheusRecorder_DoubleRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics.NewPrometheus(reg)
	require.Panics(t, func() { metrics.NewPrometheus(reg) })
}

func TestNop(t *testing.T) {
	t.Parallel()

	var rec metrics.Recorder = metrics.Nop{}
	require.NotPanics(t, func() {
		rec.TokenAcquired("pop", metrics.ResultSuccess)
		rec.Polled(metrics.ResultSuccess, time.Second)
		rec.LeaseRemaining(-time.Second)
	})
}
