package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// StructuredLogger writes audit and lifecycle events with trace correlation.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger.
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// LogSecurityEvent logs an authentication or admission decision. attrs are
// alternating key/value pairs.
func (sl *StructuredLogger) LogSecurityEvent(ctx context.Context, event, reason string, attrs ...any) {
	all := []slog.Attr{
		slog.String("event_type", event),
		slog.String("reason", reason),
	}
	all = append(all, argsToAttrs(attrs)...)
	all = appendTrace(ctx, all)

	sl.logger.LogAttrs(ctx, slog.LevelWarn, "Security event", all...)
}

// LogJobEvent logs a job lifecycle change.
func (sl *StructuredLogger) LogJobEvent(ctx context.Context, jobID, fingerprint, from, to string) {
	attrs := appendTrace(ctx, []slog.Attr{
		slog.String("job_id", jobID),
		slog.String("fingerprint", fingerprint),
		slog.String("from", from),
		slog.String("to", to),
	})

	level := slog.LevelInfo
	if to == "failed" {
		level = slog.LevelWarn
	}
	sl.logger.LogAttrs(ctx, level, "Job transition", attrs...)
}

// LogProcessEvent logs an engine process exit.
func (sl *StructuredLogger) LogProcessEvent(ctx context.Context, jobID string, pid, exitCode int, duration time.Duration, outcome string) {
	attrs := appendTrace(ctx, []slog.Attr{
		slog.String("job_id", jobID),
		slog.Int("pid", pid),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.String("outcome", outcome),
	})

	level := slog.LevelInfo
	if outcome != "completed" {
		level = slog.LevelError
	}
	sl.logger.LogAttrs(ctx, level, "Engine process exited", attrs...)
}

// LogHTTPRequest logs a served HTTP request.
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	attrs := appendTrace(ctx, []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
	})

	level := slog.LevelDebug
	if status >= 500 {
		level = slog.LevelError
	}
	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

func appendTrace(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	if traceID := TraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID := SpanID(ctx); spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}
	return attrs
}

func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}
