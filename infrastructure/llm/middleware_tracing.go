package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracedLLM struct {
	next   CoreLLM
	tracer trace.Tracer
}

// TracingMiddleware wraps every model call in an OpenTelemetry span named
// "llm.request". Spans go to the global tracer provider under serviceName.
func TracingMiddleware(serviceName string) Middleware {
	return TracingMiddlewareWithProvider(otel.GetTracerProvider(), serviceName)
}

// TracingMiddlewareWithProvider is TracingMiddleware with an explicit
// tracer provider.
func TracingMiddlewareWithProvider(tp trace.TracerProvider, serviceName string) Middleware {
	tracer := tp.Tracer(serviceName)
	return func(next CoreLLM) CoreLLM {
		return &tracedLLM{next: next, tracer: tracer}
	}
}

func (t *tracedLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	options := ParseRequestOptions(opts, t.next.GetModel())

	ctx, span := t.tracer.Start(ctx, "llm.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.model", options.Model),
			attribute.Int("llm.prompt.length", len(prompt)),
			attribute.Bool("llm.json_mode", options.JSONMode),
			attribute.Bool("llm.vision", options.ImageURL != ""),
		),
	)
	defer span.End()

	response, tokensIn, tokensOut, err := t.next.DoRequest(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return response, tokensIn, tokensOut, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", tokensIn),
		attribute.Int("llm.tokens.output", tokensOut),
	)
	return response, tokensIn, tokensOut, nil
}

func (t *tracedLLM) GetModel() string { return t.next.GetModel() }

func (t *tracedLLM) SetModel(m string) { t.next.SetModel(m) }
