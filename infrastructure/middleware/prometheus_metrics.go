// Package middleware provides cross-cutting concerns for skillgate.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/skillgate/infrastructure/llm"
	"github.com/ahrav/skillgate/internal/ports"
)

const namespace = "skillgate"

// PrometheusMetrics implements the MetricsCollector interface using Prometheus.
// It also observes the LLM circuit breaker.
type PrometheusMetrics struct {
	llmLatency     *prometheus.HistogramVec
	llmRequests    *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
	llmTruncated   *prometheus.CounterVec
	circuitState   prometheus.Gauge
	circuitEvents  *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	turns          *prometheus.CounterVec
	conclusions    *prometheus.CounterVec
	gatewayResults *prometheus.CounterVec
	events         *prometheus.CounterVec
	gauges         *prometheus.GaugeVec
	histograms     *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a PrometheusMetrics instance and registers
// every series with reg. A nil reg uses the default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		// LLM transport metrics fed by llm.MetricsMiddleware.
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      llm.MetricLatency,
				Help:      "Latency of LLM backend requests.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"provider", "model", "status"},
		),
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      llm.MetricRequests,
				Help:      "LLM backend requests by outcome.",
			},
			[]string{"provider", "model", "status"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      llm.MetricTokens,
				Help:      "Tokens consumed by LLM requests.",
			},
			[]string{"provider", "model", "token_type"},
		),
		llmTruncated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      llm.MetricTruncated,
				Help:      "Responses cut off at the token limit.",
			},
			[]string{"provider", "model"},
		),
		circuitState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "llm_circuit_state",
				Help:      "LLM circuit breaker state (0 closed, 1 open, 2 half open).",
			},
		),
		circuitEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_circuit_events_total",
				Help:      "Calls observed by the LLM circuit breaker.",
			},
			[]string{"event"},
		),

		// Verification flow metrics.
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      ports.MetricSessionsActive,
				Help:      "Verification sessions currently in progress.",
			},
		),
		turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      ports.MetricTurns,
				Help:      "Conversation turns by result.",
			},
			[]string{"result"},
		),
		conclusions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      ports.MetricConclusions,
				Help:      "Concluded verification sessions.",
			},
			[]string{"outcome", "kind"},
		),
		gatewayResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      ports.MetricGatewayResults,
				Help:      "Gateway operation results by kind.",
			},
			[]string{"operation", "kind"},
		),

		// Catch-alls for metrics without a dedicated series.
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Other counted events.",
			},
			[]string{"event"},
		),
		gauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Other gauge values.",
			},
			[]string{"metric"},
		),
		histograms: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Other timed operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordLatency implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	pm.RecordHistogram(operation, duration.Seconds(), labels)
}

// RecordCounter implements the MetricsCollector interface by routing known
// metric names to their series.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	switch metric {
	case llm.MetricRequests:
		pm.llmRequests.WithLabelValues(label(labels, "provider"), label(labels, "model"), label(labels, "status")).Add(value)
	case llm.MetricTokens:
		pm.llmTokens.WithLabelValues(label(labels, "provider"), label(labels, "model"), label(labels, "token_type")).Add(value)
	case llm.MetricTruncated:
		pm.llmTruncated.WithLabelValues(label(labels, "provider"), label(labels, "model")).Add(value)
	case ports.MetricTurns:
		pm.turns.WithLabelValues(label(labels, "result")).Add(value)
	case ports.MetricConclusions:
		pm.conclusions.WithLabelValues(label(labels, "outcome"), label(labels, "kind")).Add(value)
	case ports.MetricGatewayResults:
		pm.gatewayResults.WithLabelValues(label(labels, "operation"), label(labels, "kind")).Add(value)
	default:
		pm.events.WithLabelValues(metric).Add(value)
	}
}

// RecordGauge implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, labels map[string]string) {
	switch metric {
	case ports.MetricSessionsActive:
		pm.sessionsActive.Set(value)
	default:
		pm.gauges.WithLabelValues(metric).Set(value)
	}
}

// RecordHistogram implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	switch metric {
	case llm.MetricLatency:
		pm.llmLatency.WithLabelValues(label(labels, "provider"), label(labels, "model"), label(labels, "status")).Observe(value)
	default:
		pm.histograms.WithLabelValues(metric).Observe(value)
	}
}

// RecordState implements llm.CircuitBreakerMetrics.
func (pm *PrometheusMetrics) RecordState(state llm.CircuitBreakerState) {
	pm.circuitState.Set(float64(state))
}

// RecordTrip implements llm.CircuitBreakerMetrics.
func (pm *PrometheusMetrics) RecordTrip() { pm.circuitEvents.WithLabelValues("rejected").Inc() }

// RecordSuccess implements llm.CircuitBreakerMetrics.
func (pm *PrometheusMetrics) RecordSuccess() { pm.circuitEvents.WithLabelValues("success").Inc() }

// RecordFailure implements llm.CircuitBreakerMetrics.
func (pm *PrometheusMetrics) RecordFailure() { pm.circuitEvents.WithLabelValues("failure").Inc() }

func label(labels map[string]string, key string) string {
	if v, ok := labels[key]; ok && v != "" {
		return v
	}
	return "unknown"
}

// Compile-time verification that PrometheusMetrics implements both observers.
var (
	_ ports.MetricsCollector    = (*PrometheusMetrics)(nil)
	_ llm.CircuitBreakerMetrics = (*PrometheusMetrics)(nil)
)
