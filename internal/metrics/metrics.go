// Package metrics exposes protocol-level Prometheus metrics: turns, token
// usage, text-invocation retries, decisions and PII detections.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentoven/adjudicator/internal/upstream"
	"github.com/agentoven/adjudicator/pkg/models"
)

const namespace = "adjudicator"

// Metrics implements contracts.TurnObserver on its own Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	turns       *prometheus.CounterVec
	turnLatency *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	pii         *prometheus.CounterVec
}

// New creates and registers the adjudicator metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Upstream turns by kind and outcome.",
		}, []string{"kind", "outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Latency of upstream turns.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"kind"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed upstream by direction.",
		}, []string{"direction"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "text_invocation_retries_total",
			Help:      "Corrective turns issued after text-written capability calls.",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Extracted decisions by entity kind, recommendation and strategy.",
		}, []string{"entity_kind", "recommendation", "strategy"}),
		pii: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pii_detections_total",
			Help:      "Redacted PII spans by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(m.turns, m.turnLatency, m.tokens, m.retries, m.decisions, m.pii)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTurn(kind string, usage models.TokenUsage, latency time.Duration, err error) {
	m.turns.WithLabelValues(kind, outcome(err)).Inc()
	m.turnLatency.WithLabelValues(kind).Observe(latency.Seconds())
	if err != nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
}

func (m *Metrics) ObserveRetry(exhausted bool) {
	result := "recovered"
	if exhausted {
		result = "exhausted"
	}
	m.retries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDecision(kind models.EntityKind, rec models.Recommendation, strategy string) {
	m.decisions.WithLabelValues(string(kind), string(rec), strategy).Inc()
}

func (m *Metrics) ObservePII(t models.PIIType) {
	m.pii.WithLabelValues(string(t)).Inc()
}

func outcome(err error) string {
	var upErr *upstream.UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return "unavailable"
	case errors.As(err, &upErr):
		return "upstream_error"
	default:
		return "error"
	}
}
