// Package observability is a small in-process Prometheus registry (§2.1's
// ambient metrics stack): queue depth, circuit breaker state, cost totals,
// and pipeline stage durations. No listener is started by this package —
// Handler returns an http.Handler an operator may mount if desired,
// keeping the system's "no HTTP surface" intent intact.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide collector set. Every field is safe for
// concurrent use, per the prometheus client's own guarantees.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth          *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	CostTotalUSD        prometheus.Gauge
	TokensTotal         *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	StageFailuresTotal  *prometheus.CounterVec
}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "contentengine",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of requests waiting per priority level.",
		}, []string{"priority"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "contentengine",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"name"}),
		CostTotalUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "contentengine",
			Subsystem: "cost",
			Name:      "total_usd",
			Help:      "Estimated cumulative spend across every tracked model.",
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentengine",
			Subsystem: "cost",
			Name:      "tokens_total",
			Help:      "Cumulative tokens recorded by the ledger, by model.",
		}, []string{"model"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contentengine",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage wall-clock duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		StageFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentengine",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Count of stage failures forwarded to the error classifier, by stage and fingerprint kind.",
		}, []string{"stage", "kind"}),
	}

	registry.MustRegister(
		m.QueueDepth,
		m.CircuitBreakerState,
		m.CostTotalUSD,
		m.TokensTotal,
		m.StageDuration,
		m.StageFailuresTotal,
	)
	return m
}

// Handler exposes the registry in the standard Prometheus text exposition
// format. cmd/contentengine serves it on /metrics only when METRICS_ADDR is
// set; the variable is empty by default.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCost mirrors a ledger snapshot into the cost gauges.
func (m *Metrics) RecordCost(totalUSD float64, tokensByModel map[string]int64) {
	m.CostTotalUSD.Set(totalUSD)
	for model, tokens := range tokensByModel {
		m.TokensTotal.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordStage observes a completed stage's duration and, on failure,
// increments the per-kind failure counter.
func (m *Metrics) RecordStage(stage string, seconds float64, failureKind string) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
	if failureKind != "" {
		m.StageFailuresTotal.WithLabelValues(stage, failureKind).Inc()
	}
}
