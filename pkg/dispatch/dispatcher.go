package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/export"
	"github.com/polisai/geoexport/pkg/jobs"
	"github.com/polisai/geoexport/pkg/telemetry"
)

// DefaultWebhookPath is where push backends deliver envelopes.
const DefaultWebhookPath = "/tasks/export"

// Config configures the dispatcher.
type Config struct {
	PublicBaseURL string                          `yaml:"public_base_url" json:"public_base_url"`
	WebhookPath   string                          `yaml:"webhook_path" json:"webhook_path"`
	Circuit       governance.CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// Dispatcher creates jobs and hands them to a push backend.
type Dispatcher struct {
	registry   *jobs.Registry
	queue      TaskQueue
	breaker    *governance.CircuitBreaker
	webhookURL string
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracing    *telemetry.TracingManager
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records dispatch outcomes and breaker state on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracing wraps each enqueue in a span.
func WithTracing(t *telemetry.TracingManager) Option {
	return func(d *Dispatcher) { d.tracing = t }
}

// NewDispatcher builds a dispatcher delivering to <PublicBaseURL><WebhookPath>.
func NewDispatcher(cfg Config, registry *jobs.Registry, queue TaskQueue, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil || queue == nil {
		return nil, errors.New("dispatcher requires a registry and a task queue")
	}
	webhookURL, err := WebhookURL(cfg.PublicBaseURL, cfg.WebhookPath)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		registry:   registry,
		queue:      queue,
		breaker:    governance.NewCircuitBreaker(cfg.Circuit),
		webhookURL: webhookURL,
		logger:     logger,
		tracing:    telemetry.NewTracingManager(false),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.metrics != nil {
		d.metrics.SetCircuitState(string(governance.StateClosed))
	}
	d.breaker.OnStateChange(func(from, to governance.CircuitBreakerState) {
		d.logger.Warn("Dispatch circuit changed state", "backend", queue.Name(), "from", from, "to", to)
		if d.metrics != nil {
			d.metrics.SetCircuitState(string(to))
		}
	})
	return d, nil
}

// WebhookURL joins the public base URL and the webhook path.
func WebhookURL(base, path string) (string, error) {
	if path == "" {
		path = DefaultWebhookPath
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", domain.NewError(domain.KindConfiguration, fmt.Sprintf("invalid public base URL %q", base))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", domain.NewError(domain.KindConfiguration, fmt.Sprintf("unsupported public base URL scheme %q", u.Scheme))
	}
	return strings.TrimRight(u.String(), "/") + "/" + strings.TrimLeft(path, "/"), nil
}

// WebhookTarget returns the URL envelopes are addressed to.
func (d *Dispatcher) WebhookTarget() string {
	return d.webhookURL
}

// Backend names the push backend.
func (d *Dispatcher) Backend() string {
	return d.queue.Name()
}

// Circuit returns the breaker guarding the backend.
func (d *Dispatcher) Circuit() *governance.CircuitBreaker {
	return d.breaker
}

// Enqueue records a queued job for req and pushes its envelope. A job
// already in flight for the same fingerprint is returned as is. When the
// backend refuses, the job is marked failed and a dispatch error is returned
// along with the failed job.
func (d *Dispatcher) Enqueue(ctx context.Context, req domain.ExportRequest) (job domain.Job, err error) {
	req = req.Normalized()
	fp := export.Fingerprint(req)

	ctx, span := d.tracing.StartSpan(ctx, "dispatch.enqueue",
		attribute.String("export.fingerprint", fp),
		attribute.String("dispatch.backend", d.queue.Name()),
	)
	defer func() { d.tracing.EndSpan(span, err) }()

	job, created, err := d.registry.CreateOrAttach(req, fp)
	if err != nil {
		d.record("rejected")
		return domain.Job{}, domain.NewErrorWithCause(domain.KindDispatch, "job could not be recorded", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	if !created {
		d.logger.Debug("Identical job already in flight", "job_id", job.ID, "fingerprint", fp)
		return job, nil
	}

	envelope := domain.DeliveryEnvelope{
		JobID:      job.ID,
		Request:    job.Request,
		WebhookURL: d.webhookURL,
	}

	pushErr := d.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return d.queue.Push(ctx, envelope)
	})
	if pushErr == nil {
		d.record("accepted")
		d.logger.Debug("Job dispatched", "job_id", job.ID, "fingerprint", fp, "backend", d.queue.Name())
		return job, nil
	}

	d.record("rejected")
	derr := domain.NewErrorWithCause(domain.KindDispatch, "task backend rejected the job", pushErr).
		WithContext("backend", d.queue.Name())
	d.logger.Error("Dispatch failed", "job_id", job.ID, "backend", d.queue.Name(), "error", pushErr)

	failed, _, terr := d.registry.Transition(job.ID, domain.JobFailed, jobs.Detail{Error: domain.JobErrorFrom(derr)})
	if terr != nil {
		d.logger.Error("Failed to record dispatch failure", "job_id", job.ID, "error", terr)
		return job, derr
	}
	return failed, derr
}

func (d *Dispatcher) record(result string) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(d.queue.Name(), result)
	}
}
