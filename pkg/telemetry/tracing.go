package telemetry

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/polisai/geoexport"

// TracingManager starts spans and carries trace context across process and
// HTTP boundaries. A disabled manager is a cheap no-op.
type TracingManager struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	enabled    bool
}

// NewTracingManager uses the global tracer provider and propagator, so
// SetupProvider must run first for spans to be exported.
func NewTracingManager(enabled bool) *TracingManager {
	if !enabled {
		return &TracingManager{enabled: false}
	}
	return &TracingManager{
		tracer:     otel.Tracer(instrumentationName),
		propagator: otel.GetTextMapPropagator(),
		enabled:    true,
	}
}

// NewTracingManagerWithProvider binds the manager to a specific provider.
func NewTracingManagerWithProvider(tp trace.TracerProvider, propagator propagation.TextMapPropagator) *TracingManager {
	return &TracingManager{
		tracer:     tp.Tracer(instrumentationName),
		propagator: propagator,
		enabled:    true,
	}
}

// Enabled reports whether spans are recorded.
func (tm *TracingManager) Enabled() bool {
	return tm != nil && tm.enabled
}

// StartSpan starts a new span with the given name and attributes.
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !tm.Enabled() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tm.tracer.Start(ctx, name, trace.WithAttributes(RedactAttributes(attrs)...))
}

// EndSpan records err on span, sets its status and ends it.
func (tm *TracingManager) EndSpan(span trace.Span, err error) {
	if !tm.Enabled() {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects trace context into outgoing HTTP headers.
func (tm *TracingManager) InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	if !tm.Enabled() {
		return
	}
	tm.propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// InjectProcessEnv injects trace context into a child process environment as
// upper-cased variables (TRACEPARENT, TRACESTATE, BAGGAGE).
func (tm *TracingManager) InjectProcessEnv(ctx context.Context, env []string) []string {
	if !tm.Enabled() {
		return env
	}

	carrier := envCarrier{}
	tm.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return env
	}

	out := make([]string, 0, len(env)+len(carrier))
	for _, e := range env {
		key, _, _ := strings.Cut(e, "=")
		if _, replaced := carrier[strings.ToUpper(key)]; replaced {
			continue
		}
		out = append(out, e)
	}
	for k, v := range carrier {
		out = append(out, k+"="+v)
	}
	return out
}

// TraceID returns the trace ID from the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns the span ID from the span in ctx, or "".
func SpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

// envCarrier maps propagation fields to environment variable names.
type envCarrier map[string]string

func (c envCarrier) Get(key string) string {
	return c[strings.ToUpper(key)]
}

func (c envCarrier) Set(key, value string) {
	c[strings.ToUpper(key)] = value
}

func (c envCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
