package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/geoexport/pkg/domain"
)

// AnnotateJob attaches job identity and request parameters to span.
func AnnotateJob(span trace.Span, job domain.Job) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
		attribute.String("export.fingerprint", job.Fingerprint),
		attribute.Float64("export.lat", job.Request.Lat),
		attribute.Float64("export.lon", job.Request.Lon),
		attribute.Float64("export.radius", job.Request.Radius),
		attribute.String("export.mode", string(job.Request.Mode)),
		attribute.String("export.projection", string(job.Request.Projection)),
		attribute.StringSlice("export.layers", job.Request.LayerNames()),
	)
	if job.Attempts > 0 {
		span.SetAttributes(attribute.Int("job.attempts", job.Attempts))
	}
	if job.Error != nil {
		span.SetAttributes(attribute.String("job.error.kind", string(job.Error.Kind)))
	}
}

// RecordAdmission attaches a webhook admission outcome to span without
// leaking token contents.
func RecordAdmission(span trace.Span, admitted bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{attribute.Bool("webhook.admitted", admitted)}
	if reason != "" {
		attrs = append(attrs, attribute.String("webhook.reject_reason", reason))
	}
	span.AddEvent("webhook.admission", trace.WithAttributes(attrs...))
}
