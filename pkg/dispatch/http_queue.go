package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/telemetry"
)

var (
	// ErrQueueFull is returned by Push when no buffer slot is free.
	ErrQueueFull = errors.New("delivery queue is full")
	// ErrQueueClosed is returned by Push after Close.
	ErrQueueClosed = errors.New("delivery queue is closed")
)

// HTTPQueueConfig configures the in-process push backend.
type HTTPQueueConfig struct {
	Workers        int                    `yaml:"workers" json:"workers"`
	QueueSize      int                    `yaml:"queue_size" json:"queue_size"`
	RequestTimeout time.Duration          `yaml:"request_timeout" json:"request_timeout"`
	Retry          governance.RetryConfig `yaml:"retry" json:"retry"`
}

// DefaultHTTPQueueConfig returns defaults suitable for a single binary.
func DefaultHTTPQueueConfig() HTTPQueueConfig {
	return HTTPQueueConfig{
		Workers:        4,
		QueueSize:      256,
		RequestTimeout: 15 * time.Minute,
		Retry:          governance.DefaultRetryConfig(),
	}
}

type delivery struct {
	envelope domain.DeliveryEnvelope
	headers  http.Header
}

// HTTPQueue delivers envelopes with a pool of workers, retrying with
// exponential backoff until the webhook answers with a terminal status.
type HTTPQueue struct {
	cfg       HTTPQueueConfig
	deliverer *Deliverer
	logger    *slog.Logger
	tracing   *telemetry.TracingManager

	mu      sync.RWMutex
	closed  bool
	pending chan delivery
	wg      sync.WaitGroup
	started bool
}

// HTTPQueueOption configures an HTTPQueue.
type HTTPQueueOption func(*HTTPQueue)

// WithHTTPClient replaces the client used for deliveries.
func WithHTTPClient(c *http.Client) HTTPQueueOption {
	return func(q *HTTPQueue) { q.deliverer.Client = c }
}

// WithQueueTracing propagates the enqueuing span to the webhook.
func WithQueueTracing(t *telemetry.TracingManager) HTTPQueueOption {
	return func(q *HTTPQueue) { q.tracing = t }
}

// NewHTTPQueue creates a queue. Deliveries carry a token minted for audience
// when tokens is non-nil.
func NewHTTPQueue(cfg HTTPQueueConfig, tokens TokenSource, audience string, logger *slog.Logger, opts ...HTTPQueueOption) *HTTPQueue {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultHTTPQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	cfg.Retry = cfg.Retry.Normalized()

	q := &HTTPQueue{
		cfg: cfg,
		deliverer: &Deliverer{
			Client:   &http.Client{Timeout: cfg.RequestTimeout},
			Tokens:   tokens,
			Audience: audience,
		},
		logger:  logger,
		tracing: telemetry.NewTracingManager(false),
		pending: make(chan delivery, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name implements TaskQueue.
func (q *HTTPQueue) Name() string { return "http" }

// Start launches the workers. They stop when ctx is done or the queue is
// closed and drained.
func (q *HTTPQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("Delivery workers started", "workers", q.cfg.Workers, "queue_size", q.cfg.QueueSize)
}

// Push implements TaskQueue. It never blocks.
func (q *HTTPQueue) Push(ctx context.Context, envelope domain.DeliveryEnvelope) error {
	headers := http.Header{}
	q.tracing.InjectHTTPHeaders(ctx, headers)

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.pending <- delivery{envelope: envelope, headers: headers}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of envelopes waiting for a worker.
func (q *HTTPQueue) Len() int {
	return len(q.pending)
}

// Close stops accepting envelopes and waits for the workers to finish.
func (q *HTTPQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *HTTPQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q.pending:
			if !ok {
				return
			}
			q.deliver(ctx, d)
		}
	}
}

func (q *HTTPQueue) deliver(ctx context.Context, d delivery) {
	retry := q.cfg.Retry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retry.InitialInterval
	b.MaxInterval = retry.MaxInterval

	attempts := 0
	operation := func() (int, error) {
		attempts++
		res, err := q.deliverer.Deliver(ctx, d.envelope, d.headers)
		if err != nil {
			return 0, err
		}
		switch res.Outcome {
		case governance.DeliveryDone:
			return res.StatusCode, nil
		case governance.DeliveryRetry:
			if res.RetryAfter > 0 {
				return res.StatusCode, backoff.RetryAfter(int(res.RetryAfter / time.Second))
			}
			return res.StatusCode, fmt.Errorf("webhook answered %d", res.StatusCode)
		default:
			return res.StatusCode, backoff.Permanent(fmt.Errorf("%w: webhook answered %d", ErrDeliveryDropped, res.StatusCode))
		}
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(retry.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.logger.Warn("Delivery attempt failed, retrying", "job_id", d.envelope.JobID, "error", err, "next", next)
		}),
	)
	if err != nil {
		q.logger.Error("Delivery abandoned", "job_id", d.envelope.JobID, "attempts", attempts, "status", status, "error", err)
		return
	}
	q.logger.Debug("Delivery acknowledged", "job_id", d.envelope.JobID, "attempts", attempts, "status", status)
}
