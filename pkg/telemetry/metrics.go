package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	executionCounter     metric.Int64Counter
	executionTimeouts    metric.Int64Counter
	executionLatency     metric.Float64Histogram
	diagnosticsTruncated metric.Int64Counter
)

// ExecutionMetrics captures the fields recorded for one engine run.
type ExecutionMetrics struct {
	Mode       string
	Projection string
	Layers     int
	Outcome    string
	Duration   time.Duration
	Truncated  bool
}

// RecordExecution emits OpenTelemetry instruments describing an engine run.
func RecordExecution(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("export.mode", m.Mode),
		attribute.String("export.projection", m.Projection),
		attribute.Int("export.layers", m.Layers),
		attribute.String("execution.outcome", m.Outcome),
	)

	executionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		executionLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Outcome == "timeout" {
		executionTimeouts.Add(ctx, 1, attrs)
	}
	if m.Truncated {
		diagnosticsTruncated.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		executionCounter, metricsInitErr = meter.Int64Counter(
			"geoexport.execution.runs_total",
			metric.WithDescription("Engine executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionTimeouts, metricsInitErr = meter.Int64Counter(
			"geoexport.execution.timeouts_total",
			metric.WithDescription("Engine executions killed at the wall-clock limit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		diagnosticsTruncated, metricsInitErr = meter.Int64Counter(
			"geoexport.execution.diagnostics_truncated_total",
			metric.WithDescription("Executions whose captured output exceeded the diagnostics limit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionLatency, metricsInitErr = meter.Float64Histogram(
			"geoexport.execution.duration_ms",
			metric.WithDescription("Observed engine execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
