package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracedLLM wraps each request in an OpenTelemetry span.
type tracedLLM struct {
	next        CoreLLM
	serviceName string
	tracer      trace.Tracer
}

// TracingMiddleware creates middleware that adds a span per request using
// the global tracer provider.
func TracingMiddleware(serviceName string) Middleware {
	return TracingMiddlewareWithTracer(serviceName, otel.Tracer("github.com/ahrav/skillgate/infrastructure/llm"))
}

// TracingMiddlewareWithTracer is TracingMiddleware with an explicit tracer.
func TracingMiddlewareWithTracer(serviceName string, tracer trace.Tracer) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &tracedLLM{
			next:        next,
			serviceName: serviceName,
			tracer:      tracer,
		}
	}
}

// DoRequest executes the request within a span carrying model, function and
// token attributes.
func (t *tracedLLM) DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", t.serviceName),
		attribute.String("llm.model", t.next.GetModel()),
		attribute.Int("llm.messages", len(req.Messages)),
	}
	if req.Function != nil {
		attrs = append(attrs, attribute.String("llm.function", req.Function.Name))
	}

	ctx, span := t.tracer.Start(ctx, "llm.request", trace.WithAttributes(attrs...))
	defer span.End()

	resp, err := t.next.DoRequest(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.TokensIn),
		attribute.Int("llm.tokens.output", resp.TokensOut),
		attribute.String("llm.finish_reason", resp.FinishReason),
		attribute.Bool("llm.truncated", resp.Truncated()),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// GetModel returns the model name from the wrapped implementation.
func (t *tracedLLM) GetModel() string { return t.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (t *tracedLLM) SetModel(m string) { t.next.SetModel(m) }
