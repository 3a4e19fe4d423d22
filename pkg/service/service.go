// Package service ties admission, caching, dispatch and execution together
// and exposes them over HTTP.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/cache"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/executor"
	"github.com/polisai/geoexport/pkg/export"
	"github.com/polisai/geoexport/pkg/jobs"
	"github.com/polisai/geoexport/pkg/telemetry"
)

// Submission statuses.
const (
	StatusSuccess = "success"
	StatusQueued  = "queued"
	StatusFailed  = "failed"
)

// Enqueuer creates a job and hands it to a push backend.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.ExportRequest) (domain.Job, error)
}

// BackendReporter is implemented by enqueuers that can describe their push
// backend for the health endpoint.
type BackendReporter interface {
	Backend() string
	WebhookTarget() string
	Circuit() *governance.CircuitBreaker
}

// Settings are the reloadable knobs of the service.
type Settings struct {
	CacheTTL time.Duration
	SyncWait time.Duration
	Limits   export.Limits
}

// SubmitResult is the answer to a submission.
type SubmitResult struct {
	Status      string            `json:"status"`
	JobID       string            `json:"job_id,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Cached      bool              `json:"cached,omitempty"`
	Result      *domain.ResultRef `json:"result,omitempty"`
	Error       *domain.JobError  `json:"error,omitempty"`
}

// DeliveryAck is the answer to a webhook delivery.
type DeliveryAck struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// Service implements submission and webhook handling.
type Service struct {
	mu       sync.RWMutex
	settings Settings

	cache    cache.Store
	registry *jobs.Registry
	enqueuer Enqueuer
	bridge   *executor.Bridge
	lifetime context.Context

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records submissions and cache lookups on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracing wraps submissions and deliveries in spans.
func WithTracing(t *telemetry.TracingManager) Option {
	return func(s *Service) { s.tracing = t }
}

// WithLifetime bounds executions by ctx instead of the delivering request.
// Cancelling it interrupts running engines, which leaves their jobs
// processing.
func WithLifetime(ctx context.Context) Option {
	return func(s *Service) { s.lifetime = ctx }
}

// New creates a service.
func New(settings Settings, store cache.Store, registry *jobs.Registry, enqueuer Enqueuer, bridge *executor.Bridge, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		settings: normalizeSettings(settings),
		cache:    store,
		registry: registry,
		enqueuer: enqueuer,
		bridge:   bridge,
		lifetime: context.Background(),
		logger:   logger,
		tracing:  telemetry.NewTracingManager(false),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeSettings(s Settings) Settings {
	if s.CacheTTL < 0 {
		s.CacheTTL = 0
	}
	if s.SyncWait < 0 {
		s.SyncWait = 0
	}
	if s.Limits.MaxRadius <= 0 {
		s.Limits = export.DefaultLimits()
	}
	return s
}

// Settings returns the current settings.
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Configure replaces the reloadable settings.
func (s *Service) Configure(settings Settings) {
	s.mu.Lock()
	s.settings = normalizeSettings(settings)
	s.mu.Unlock()
}

// Submit admits a request. A cached result is returned immediately; an
// identical request already in flight is joined; otherwise a job is queued.
// With a positive SyncWait the call waits that long for the job to finish.
func (s *Service) Submit(ctx context.Context, req domain.ExportRequest) (res SubmitResult, err error) {
	settings := s.Settings()

	ctx, span := s.tracing.StartSpan(ctx, "service.submit")
	defer func() { s.tracing.EndSpan(span, err) }()

	req, fp, err := export.Prepare(req, settings.Limits)
	if err != nil {
		s.recordSubmission("invalid")
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("export.fingerprint", fp))

	entry, hit := s.cache.Lookup(fp)
	s.recordCacheLookup(hit)
	if hit {
		s.recordSubmission("cache_hit")
		result := entry.Result
		return SubmitResult{Status: StatusSuccess, Fingerprint: fp, Cached: true, Result: &result}, nil
	}

	job, attached := s.registry.ActiveFor(fp)
	if attached {
		s.recordSubmission("attached")
		s.logger.Debug("Attached to in-flight job", "job_id", job.ID, "fingerprint", fp)
	} else {
		job, err = s.enqueuer.Enqueue(ctx, req)
		if err != nil {
			s.recordSubmission("dispatch_failed")
			return SubmitResult{Status: StatusFailed, JobID: job.ID, Fingerprint: fp, Error: job.Error}, err
		}
		s.recordSubmission("queued")
	}
	telemetry.AnnotateJob(span, job)

	if settings.SyncWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, settings.SyncWait)
		defer cancel()
		if done, werr := s.registry.Wait(waitCtx, job.ID); werr == nil {
			return resultOf(done), nil
		}
	}
	return SubmitResult{Status: StatusQueued, JobID: job.ID, Fingerprint: fp}, nil
}

func resultOf(job domain.Job) SubmitResult {
	res := SubmitResult{JobID: job.ID, Fingerprint: job.Fingerprint}
	switch job.Status {
	case domain.JobCompleted:
		res.Status = StatusSuccess
		res.Result = job.Result
	case domain.JobFailed:
		res.Status = StatusFailed
		res.Error = job.Error
	default:
		res.Status = StatusQueued
	}
	return res
}

// Job returns the current state of a job.
func (s *Service) Job(id string) (domain.Job, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return domain.Job{}, domain.NewErrorWithCause(domain.KindNotFound, "job not found", err).WithContext("job_id", id)
	}
	return job, nil
}

// HandleDelivery runs the job named by a delivered envelope. Deliveries for
// jobs that are already running or finished are acknowledged without doing
// anything. ErrSaturated and ErrInterrupted are returned so the backend
// redelivers later.
func (s *Service) HandleDelivery(ctx context.Context, envelope domain.DeliveryEnvelope) (ack DeliveryAck, err error) {
	ctx, span := s.tracing.StartSpan(ctx, "service.delivery", attribute.String("job.id", envelope.JobID))
	defer func() { s.tracing.EndSpan(span, err) }()

	if envelope.JobID == "" {
		return DeliveryAck{}, domain.NewError(domain.KindValidation, "envelope has no job id")
	}

	job, err := s.Job(envelope.JobID)
	if err != nil {
		return DeliveryAck{}, err
	}
	telemetry.AnnotateJob(span, job)
	if job.Status != domain.JobQueued {
		s.logger.Info("Duplicate delivery ignored", "job_id", job.ID, "status", job.Status)
		return DeliveryAck{JobID: job.ID, Status: job.Status, Duplicate: true}, nil
	}

	settings := s.Settings()

	if entry, hit := s.cache.Lookup(job.Fingerprint); hit {
		s.recordCacheLookup(true)
		if _, changed, err := s.registry.Begin(job.ID); err != nil || !changed {
			return s.duplicate(job.ID, err)
		}
		result := entry.Result
		done, _, err := s.registry.Transition(job.ID, domain.JobCompleted, jobs.Detail{Result: &result})
		if err != nil {
			return DeliveryAck{}, err
		}
		return DeliveryAck{JobID: done.ID, Status: done.Status}, nil
	}

	lease, err := s.bridge.Acquire()
	if err != nil {
		return DeliveryAck{}, err
	}
	if _, changed, err := s.registry.Begin(job.ID); err != nil || !changed {
		lease.Release()
		return s.duplicate(job.ID, err)
	}

	// The engine run is bounded by its own timeout and the service lifetime,
	// not by the delivering request.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.lifetime, cancel)
	release := func() {
		stop()
		cancel()
	}

	outcomes := lease.Run(execCtx, job.ID, job.Request)
	select {
	case outcome := <-outcomes:
		release()
		return s.finish(job, outcome, settings.CacheTTL)
	case <-ctx.Done():
		// The backend hung up. The job is claimed, so its outcome is
		// recorded when the engine finishes.
		s.logger.Info("Delivery request ended before the engine, finishing in background", "job_id", job.ID)
		go func() {
			defer release()
			if _, err := s.finish(job, <-outcomes, settings.CacheTTL); err != nil && !errors.Is(err, executor.ErrInterrupted) {
				s.logger.Error("Failed to record job outcome", "job_id", job.ID, "error", err)
			}
		}()
		return DeliveryAck{JobID: job.ID, Status: domain.JobProcessing}, nil
	}
}

// finish records the outcome of a run on its job. An interrupted run leaves
// the job processing and is returned as is.
func (s *Service) finish(job domain.Job, outcome executor.Outcome, ttl time.Duration) (DeliveryAck, error) {
	if errors.Is(outcome.Err, executor.ErrInterrupted) {
		s.logger.Warn("Execution interrupted, job left processing", "job_id", job.ID)
		return DeliveryAck{}, outcome.Err
	}

	var (
		final domain.Job
		err   error
	)
	if outcome.Err != nil {
		final, _, err = s.registry.Transition(job.ID, domain.JobFailed, jobs.Detail{Error: domain.JobErrorFrom(outcome.Err)})
	} else {
		ref := outcome.Result
		s.cache.Store(job.Fingerprint, ref, ttl)
		final, _, err = s.registry.Transition(job.ID, domain.JobCompleted, jobs.Detail{Result: &ref})
	}
	if err != nil {
		return DeliveryAck{}, err
	}
	return DeliveryAck{JobID: final.ID, Status: final.Status}, nil
}

func (s *Service) duplicate(id string, err error) (DeliveryAck, error) {
	if err != nil {
		return DeliveryAck{}, err
	}
	job, err := s.Job(id)
	if err != nil {
		return DeliveryAck{}, err
	}
	return DeliveryAck{JobID: job.ID, Status: job.Status, Duplicate: true}, nil
}

func (s *Service) recordSubmission(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(outcome)
	}
}

func (s *Service) recordCacheLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(hit)
	}
}
