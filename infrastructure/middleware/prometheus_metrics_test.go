package middleware

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/skillgate/infrastructure/llm"
	"github.com/ahrav/skillgate/internal/ports"
)

func newTestMetrics(t *testing.T) (*PrometheusMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusMetrics(reg), reg
}

func TestPrometheusMetrics_LLMSeries(t *testing.T) {
	// Given a collector on a private registry
	pm, _ := newTestMetrics(t)
	labels := map[string]string{"provider": "openai", "model": "gpt-4o-mini", "status": "success"}

	// When the LLM middleware reports a request
	pm.RecordCounter(llm.MetricRequests, 1, labels)
	pm.RecordCounter(llm.MetricTokens, 120, map[string]string{"provider": "openai", "model": "gpt-4o-mini", "token_type": "input"})
	pm.RecordCounter(llm.MetricTruncated, 1, labels)
	pm.RecordHistogram(llm.MetricLatency, 0.4, labels)

	// Then each lands on its own series
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.llmRequests.WithLabelValues("openai", "gpt-4o-mini", "success")))
	assert.Equal(t, 120.0, testutil.ToFloat64(pm.llmTokens.WithLabelValues("openai", "gpt-4o-mini", "input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.llmTruncated.WithLabelValues("openai", "gpt-4o-mini")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.llmLatency))
}

func TestPrometheusMetrics_VerificationSeries(t *testing.T) {
	pm, _ := newTestMetrics(t)

	pm.RecordGauge(ports.MetricSessionsActive, 3, nil)
	pm.RecordCounter(ports.MetricTurns, 1, map[string]string{"result": "unconfirmed"})
	pm.RecordCounter(ports.MetricConclusions, 1, map[string]string{"outcome": "success", "kind": "new"})
	pm.RecordCounter(ports.MetricGatewayResults, 1, map[string]string{"operation": "guidance", "kind": "protocol_violation"})

	assert.Equal(t, 3.0, testutil.ToFloat64(pm.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.turns.WithLabelValues("unconfirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.conclusions.WithLabelValues("success", "new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.gatewayResults.WithLabelValues("guidance", "protocol_violation")))
}

func TestPrometheusMetrics_MissingLabelsDefaultToUnknown(t *testing.T) {
	pm, _ := newTestMetrics(t)

	assert.NotPanics(t, func() {
		pm.RecordCounter(ports.MetricConclusions, 1, nil)
		pm.RecordCounter(llm.MetricRequests, 1, map[string]string{"provider": ""})
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.conclusions.WithLabelValues("unknown", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.llmRequests.WithLabelValues("unknown", "unknown", "unknown")))
}

func TestPrometheusMetrics_UnknownMetricsUseCatchAll(t *testing.T) {
	pm, _ := newTestMetrics(t)

	pm.RecordCounter("welcome_failures", 2, nil)
	pm.RecordGauge("taxonomy_roles", 17, nil)
	pm.RecordLatency("taxonomy_rebuild", 1500*time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.events.WithLabelValues("welcome_failures")))
	assert.Equal(t, 17.0, testutil.ToFloat64(pm.gauges.WithLabelValues("taxonomy_roles")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.histograms))
}

func TestPrometheusMetrics_CircuitBreaker(t *testing.T) {
	// Given a breaker wired to the collector
	pm, _ := newTestMetrics(t)
	mock := llm.NewMockCoreLLM()
	mock.Error = llm.NewProviderError("test", llm.ErrorTypeServerError, 500, "", nil)
	wrapped := llm.CircuitBreakerMiddlewareWithMetrics(1, time.Hour, pm)(mock)

	// When it trips and then rejects
	_, _ = wrapped.DoRequest(t.Context(), llm.ChatRequest{})
	_, _ = wrapped.DoRequest(t.Context(), llm.ChatRequest{})

	// Then state and events are exported
	assert.Equal(t, float64(llm.StateOpen), testutil.ToFloat64(pm.circuitState))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.circuitEvents.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.circuitEvents.WithLabelValues("rejected")))
}

func TestPrometheusMetrics_ExposedNames(t *testing.T) {
	pm, reg := newTestMetrics(t)
	pm.RecordGauge(ports.MetricSessionsActive, 1, nil)
	pm.RecordState(llm.StateClosed)

	expected := `
# HELP skillgate_verification_sessions_active Verification sessions currently in progress.
# TYPE skillgate_verification_sessions_active gauge
skillgate_verification_sessions_active 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "skillgate_verification_sessions_active"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "skillgate_llm_circuit_state")
}

func TestNewPrometheusMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusMetrics(reg)

	assert.Panics(t, func() { NewPrometheusMetrics(reg) }, "promauto panics on duplicate registration")
}
