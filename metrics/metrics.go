// Package metrics exposes Prometheus counters for lifecycle transitions,
// verification verdicts and provider call retries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors registered for one process.
type Metrics struct {
	Registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	Verifications *prometheus.CounterVec
	ProviderCalls *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	Instances     *prometheus.GaugeVec
}

// NewMetrics registers all collectors in a fresh registry under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle state transitions.",
		}, []string{"provider", "from", "to"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestation_verifications_total",
			Help:      "Attestation verification results.",
		}, []string{"provider", "verdict", "reason"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider adapter calls by outcome.",
		}, []string{"provider", "op", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider adapter call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "op"}),
		Instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Instances by provider and state, as of the last listing.",
		}, []string{"provider", "state"}),
	}
	m.Registry.MustRegister(m.Transitions, m.Verifications, m.ProviderCalls, m.CallDuration, m.Instances)
	return m
}

// ObserveTransition counts one state change.
func (m *Metrics) ObserveTransition(provider, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(provider, from, to).Inc()
}

// ObserveVerification counts one verifier result.
func (m *Metrics) ObserveVerification(provider, verdict, reason string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(provider, verdict, reason).Inc()
}

// ObserveCall records one provider call attempt.
func (m *Metrics) ObserveCall(provider, op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, op, outcome).Inc()
	m.CallDuration.WithLabelValues(provider, op).Observe(took.Seconds())
}

// ObserveInventory replaces the instance gauge with counts keyed by
// provider and then state.
func (m *Metrics) ObserveInventory(counts map[string]map[string]int) {
	if m == nil {
		return
	}
	m.Instances.Reset()
	for provider, states := range counts {
		for state, n := range states {
			m.Instances.WithLabelValues(provider, state).Set(float64(n))
		}
	}
}

// MetricsServer serves the registry over HTTP.
type MetricsServer struct {
	*http.Server
}

// New creates a metrics server for m listening on addr.
func New(m *Metrics, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	return &MetricsServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}
