package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/geoexport/pkg/domain"
)

func TestRecordExecution(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	RecordExecution(ctx, ExecutionMetrics{
		Mode:       "circle",
		Projection: "utm",
		Layers:     2,
		Outcome:    "timeout",
		Duration:   150 * time.Millisecond,
		Truncated:  true,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	runs, ok := metrics["geoexport.execution.runs_total"]
	if !ok {
		t.Fatalf("missing runs metric")
	}
	runData, ok := runs.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for runs metric")
	}
	if len(runData.DataPoints) != 1 || runData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single run datapoint with value 1, got %+v", runData.DataPoints)
	}
	if value, ok := runData.DataPoints[0].Attributes.Value(attribute.Key("export.projection")); !ok || value.AsString() != "utm" {
		t.Fatalf("expected export.projection attribute utm, got %v", value)
	}

	timeouts := metrics["geoexport.execution.timeouts_total"].Data.(metricdata.Sum[int64])
	if timeouts.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeouts.DataPoints[0].Value)
	}

	truncated := metrics["geoexport.execution.diagnostics_truncated_total"].Data.(metricdata.Sum[int64])
	if truncated.DataPoints[0].Value != 1 {
		t.Fatalf("expected truncated count 1, got %d", truncated.DataPoints[0].Value)
	}

	hist := metrics["geoexport.execution.duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.DataPoints[0].Count)
	}
	if hist.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", hist.DataPoints[0].Sum)
	}
}

func TestRecordAdmission(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "webhook")
	RecordAdmission(span, false, "audience_mismatch")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "webhook.admission" {
		t.Fatalf("expected one webhook.admission event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("webhook.admitted")); !ok || value.AsBool() {
		t.Fatalf("expected webhook.admitted false")
	}
	if value, ok := attrs.Value(attribute.Key("webhook.reject_reason")); !ok || value.AsString() != "audience_mismatch" {
		t.Fatalf("expected reject reason, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestAnnotateJob(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "execute")
	AnnotateJob(span, domain.Job{
		ID:          "job-1",
		Fingerprint: "abc",
		Status:      domain.JobFailed,
		Attempts:    2,
		Request: domain.ExportRequest{
			Lat: 1, Lon: 2, Radius: 3,
			Mode: domain.ModeSquare, Projection: domain.ProjectionLocal,
			Layers: []domain.Layer{domain.LayerRoads},
		},
		Error: &domain.JobError{Kind: domain.KindExecutionTimeout},
	})
	span.End()

	attrs := attribute.NewSet(recorder.Ended()[0].Attributes()...)
	if v, ok := attrs.Value("job.id"); !ok || v.AsString() != "job-1" {
		t.Fatalf("missing job.id, got %v", v)
	}
	if v, ok := attrs.Value("job.error.kind"); !ok || v.AsString() != "execution_timeout" {
		t.Fatalf("missing job.error.kind, got %v", v)
	}
	if v, ok := attrs.Value("job.attempts"); !ok || v.AsInt64() != 2 {
		t.Fatalf("missing job.attempts, got %v", v)
	}
}
