package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/telemetry"
)

const (
	// DefaultTaskQueue is the Temporal task queue deliveries run on.
	DefaultTaskQueue = "geoexport-delivery"

	// Application error types raised by DeliverEnvelope.
	ErrTypeDeliveryRetry   = "DeliveryRetry"
	ErrTypeDeliveryDropped = "DeliveryDropped"
)

// TemporalConfig configures the Temporal backend.
type TemporalConfig struct {
	HostPort        string                 `yaml:"host_port" json:"host_port"`
	Namespace       string                 `yaml:"namespace" json:"namespace"`
	TaskQueue       string                 `yaml:"task_queue" json:"task_queue"`
	ActivityTimeout time.Duration          `yaml:"activity_timeout" json:"activity_timeout"`
	Retry           governance.RetryConfig `yaml:"retry" json:"retry"`
}

func (c TemporalConfig) normalized() TemporalConfig {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.TaskQueue == "" {
		c.TaskQueue = DefaultTaskQueue
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = time.Minute
	}
	c.Retry = c.Retry.Normalized()
	return c
}

// DialTemporal connects to the Temporal frontend.
func DialTemporal(cfg TemporalConfig, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalized()
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// WorkflowID is the Temporal workflow id for a job. Enqueuing the same job
// twice maps onto the same workflow.
func WorkflowID(jobID string) string {
	return "export-" + jobID
}

// DeliveryInput is the workflow argument.
type DeliveryInput struct {
	Envelope        domain.DeliveryEnvelope `json:"envelope"`
	Trace           map[string]string       `json:"trace,omitempty"`
	MaxAttempts     int32                   `json:"max_attempts"`
	InitialInterval time.Duration           `json:"initial_interval"`
	MaxInterval     time.Duration           `json:"max_interval"`
	Timeout         time.Duration           `json:"timeout"`
}

// TemporalQueue starts one delivery workflow per job.
type TemporalQueue struct {
	client  client.Client
	cfg     TemporalConfig
	logger  *slog.Logger
	tracing *telemetry.TracingManager
}

// NewTemporalQueue creates a queue on top of an existing client.
func NewTemporalQueue(c client.Client, cfg TemporalConfig, logger *slog.Logger, tracing *telemetry.TracingManager) *TemporalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if tracing == nil {
		tracing = telemetry.NewTracingManager(false)
	}
	return &TemporalQueue{client: c, cfg: cfg.normalized(), logger: logger, tracing: tracing}
}

// Name implements TaskQueue.
func (q *TemporalQueue) Name() string { return "temporal" }

// Push implements TaskQueue. A workflow that is already running for the job
// counts as accepted.
func (q *TemporalQueue) Push(ctx context.Context, envelope domain.DeliveryEnvelope) error {
	headers := http.Header{}
	q.tracing.InjectHTTPHeaders(ctx, headers)
	trace := make(map[string]string, len(headers))
	for k := range headers {
		trace[k] = headers.Get(k)
	}

	in := DeliveryInput{
		Envelope:        envelope,
		Trace:           trace,
		MaxAttempts:     int32(q.cfg.Retry.MaxAttempts),
		InitialInterval: q.cfg.Retry.InitialInterval,
		MaxInterval:     q.cfg.Retry.MaxInterval,
		Timeout:         q.cfg.ActivityTimeout,
	}
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(envelope.JobID),
		TaskQueue: q.cfg.TaskQueue,
	}

	run, err := q.client.ExecuteWorkflow(ctx, opts, DeliveryWorkflow, in)
	if err != nil {
		if temporal.IsWorkflowExecutionAlreadyStartedError(err) {
			q.logger.Info("Delivery workflow already started", "job_id", envelope.JobID, "workflow_id", opts.ID)
			return nil
		}
		return fmt.Errorf("start workflow %s: %w", opts.ID, err)
	}
	if run != nil {
		q.logger.Debug("Delivery workflow started", "job_id", envelope.JobID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	}
	return nil
}

// DeliveryWorkflow delivers one envelope, letting Temporal retry the
// activity until the webhook acknowledges it or drops it.
func DeliveryWorkflow(ctx workflow.Context, in DeliveryInput) error {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        in.InitialInterval,
			BackoffCoefficient:     2.0,
			MaximumInterval:        in.MaxInterval,
			MaximumAttempts:        in.MaxAttempts,
			NonRetryableErrorTypes: []string{ErrTypeDeliveryDropped},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Delivering envelope", "job_id", in.Envelope.JobID)

	var a *DeliveryActivities
	if err := workflow.ExecuteActivity(ctx, a.DeliverEnvelope, in.Envelope, in.Trace).Get(ctx, nil); err != nil {
		logger.Error("Delivery failed", "job_id", in.Envelope.JobID, "error", err)
		return err
	}
	return nil
}

// DeliveryActivities holds what the delivery activity needs.
type DeliveryActivities struct {
	Deliverer *Deliverer
}

// DeliverEnvelope POSTs the envelope to its webhook. Retryable statuses are
// returned as retryable application errors, other non-2xx as non-retryable.
func (a *DeliveryActivities) DeliverEnvelope(ctx context.Context, envelope domain.DeliveryEnvelope, trace map[string]string) error {
	logger := activity.GetLogger(ctx)

	headers := http.Header{}
	for k, v := range trace {
		headers.Set(k, v)
	}

	res, err := a.Deliverer.Deliver(ctx, envelope, headers)
	if err != nil {
		logger.Warn("Delivery transport error", "job_id", envelope.JobID, "error", err)
		return err
	}

	switch res.Outcome {
	case governance.DeliveryDone:
		logger.Info("Delivery acknowledged", "job_id", envelope.JobID, "status", res.StatusCode)
		return nil
	case governance.DeliveryRetry:
		return temporal.NewApplicationError(fmt.Sprintf("webhook answered %d", res.StatusCode), ErrTypeDeliveryRetry, res.StatusCode)
	default:
		return temporal.NewNonRetryableApplicationError(fmt.Sprintf("webhook answered %d", res.StatusCode), ErrTypeDeliveryDropped, ErrDeliveryDropped, res.StatusCode)
	}
}

// NewTemporalWorker registers the delivery workflow and activity on the
// configured task queue. The caller starts and stops the worker.
func NewTemporalWorker(c client.Client, cfg TemporalConfig, activities *DeliveryActivities) worker.Worker {
	cfg = cfg.normalized()
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(DeliveryWorkflow)
	w.RegisterActivity(activities)
	return w
}
