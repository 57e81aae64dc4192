// Package metrics exposes session metrics through Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultCached  = "cached"
)

const namespace = "arcrelay"

// Recorder receives session events. Implementations must be cheap, they are
// called inline on the polling path.
type Recorder interface {
	TokenAcquired(kind, result string)
	Provisioned(result string)
	Polled(result string, latency time.Duration)
	Renewed(reason string)
	LeaseRemaining(d time.Duration)
	AverageQPS(qps float64)
}

// Nop discards every event.
type Nop struct{}

func (Nop) TokenAcquired(string, string) {}
func (Nop) Provisioned(string)           {}
func (Nop) Polled(string, time.Duration) {}
func (Nop) Renewed(string)               {}
func (Nop) LeaseRemaining(time.Duration) {}
func (Nop) AverageQPS(float64)           {}

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	tokenAcquisitions *prometheus.CounterVec
	provisions        *prometheus.CounterVec
	polls             *prometheus.CounterVec
	renewals          *prometheus.CounterVec
	pollLatency       prometheus.Histogram
	leaseRemaining    prometheus.Gauge
	averageQPS        prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		tokenAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_acquisitions_total",
				Help:      "Token acquisitions by token kind and result (success, failure, cached)",
			},
			[]string{"kind", "result"},
		),
		provisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_total",
				Help:      "Relay provisioning attempts by result",
			},
			[]string{"result"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Requests issued through the pinned channel by result",
			},
			[]string{"result"},
		),
		renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renewals_total",
				Help:      "Relay renewals by reason",
			},
			[]string{"reason"},
		),
		pollLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Latency of requests through the pinned channel",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
		),
		leaseRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "lease_remaining_seconds",
				Help:      "Time left before the current relay endpoint expires",
			},
		),
		averageQPS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "average_qps",
				Help:      "Rolling average queries per second for the current relay generation",
			},
		),
	}

	reg.MustRegister(
		p.tokenAcquisitions,
		p.provisions,
		p.polls,
		p.renewals,
		p.pollLatency,
		p.leaseRemaining,
		p.averageQPS,
	)
	return p
}

func (p *Prometheus) TokenAcquired(kind, result string) {
	p.tokenAcquisitions.WithLabelValues(kind, result).Inc()
}

func (p *Prometheus) Provisioned(result string) {
	p.provisions.WithLabelValues(result).Inc()
}

func (p *Prometheus) Polled(result string, latency time.Duration) {
	p.polls.WithLabelValues(result).Inc()
	p.pollLatency.Observe(latency.Seconds())
}

func (p *Prometheus) Renewed(reason string) {
	p.renewals.WithLabelValues(reason).Inc()
}

func (p *Prometheus) LeaseRemaining(d time.Duration) {
	p.leaseRemaining.Set(d.Seconds())
}

func (p *Prometheus) AverageQPS(qps float64) {
	p.averageQPS.Set(qps)
}
