package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/skillgate/internal/ports"
)

// Metric names emitted by MetricsMiddleware.
const (
	MetricLatency   = "llm_latency_seconds"
	MetricRequests  = "llm_requests_total"
	MetricTokens    = "llm_tokens_total"
	MetricTruncated = "llm_truncated_responses_total"
)

// metricsLLM records latency, outcomes, token usage and truncation.
type metricsLLM struct {
	next      CoreLLM
	collector ports.MetricsCollector
	provider  string
}

// MetricsMiddleware creates middleware that reports every request to
// collector, labelled with provider and model.
func MetricsMiddleware(collector ports.MetricsCollector, provider string) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &metricsLLM{
			next:      next,
			collector: collector,
			provider:  provider,
		}
	}
}

// DoRequest executes the request and records its metrics.
func (m *metricsLLM) DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	start := time.Now()
	resp, err := m.next.DoRequest(ctx, req)

	if m.collector == nil {
		return resp, err
	}

	labels := map[string]string{
		"provider": m.provider,
		"model":    m.next.GetModel(),
		"status":   requestStatus(err),
	}

	m.collector.RecordHistogram(MetricLatency, time.Since(start).Seconds(), labels)
	m.collector.RecordCounter(MetricRequests, 1, labels)

	if err == nil {
		m.collector.RecordCounter(MetricTokens, float64(resp.TokensIn), withLabel(labels, "token_type", "input"))
		m.collector.RecordCounter(MetricTokens, float64(resp.TokensOut), withLabel(labels, "token_type", "output"))
		if resp.Truncated() {
			m.collector.RecordCounter(MetricTruncated, 1, labels)
		}
	}

	return resp, err
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

func withLabel(labels map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for key, val := range labels {
		out[key] = val
	}
	out[k] = v
	return out
}

// GetModel returns the model name from the wrapped implementation.
func (m *metricsLLM) GetModel() string { return m.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (m *metricsLLM) SetModel(model string) { m.next.SetModel(model) }
