// Package telemetry wires OpenTelemetry exporters, Prometheus metrics and
// structured audit logging for the export service.
//
// It centralises trace provider setup, propagates trace context into webhook
// deliveries and engine processes, and offers enrichment helpers that attach
// job and admission metadata to spans and logs so operators can follow a
// request from submission to artifact.
package telemetry
