// Package jobs owns the in-process job index and its lifecycle.
//
// Every status change goes through the Registry so per-job transitions are
// strictly ordered: queued → processing → completed|failed, plus queued → failed
// when dispatch is rejected. Readers only ever receive copies.
//
// A job that outlives its deadline without reaching a terminal status is
// failed by Expire: queued jobs the push backend gave up on, and processing
// jobs whose execution never reported back.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/geoexport/pkg/domain"
)

const (
	DefaultRetention         = 24 * time.Hour
	DefaultMaxEntries        = 10000
	DefaultQueuedTimeout     = 30 * time.Minute
	DefaultProcessingTimeout = 15 * time.Minute
)

// Detail carries the outcome attached to a terminal transition.
type Detail struct {
	Result *domain.ResultRef
	Error  *domain.JobError
}

// Observer is notified after every applied transition, outside the lock.
type Observer func(job domain.Job, from domain.JobStatus)

// Config bounds the registry.
type Config struct {
	Retention  time.Duration
	MaxEntries int

	// QueuedTimeout is how long a job may wait for a delivery to start it.
	QueuedTimeout time.Duration
	// ProcessingTimeout is how long a started job may go without an outcome.
	ProcessingTimeout time.Duration
}

// Deadlines are the non-terminal lifetimes enforced by Expire.
type Deadlines struct {
	Queued     time.Duration
	Processing time.Duration
}

func (d Deadlines) normalized() Deadlines {
	if d.Queued <= 0 {
		d.Queued = DefaultQueuedTimeout
	}
	if d.Processing <= 0 {
		d.Processing = DefaultProcessingTimeout
	}
	return d
}

type record struct {
	job  domain.Job
	done chan struct{}
}

// Registry is the authoritative, concurrency-safe job index.
type Registry struct {
	mu         sync.RWMutex
	jobs       map[string]*record
	active     map[string]string // fingerprint -> non-terminal job id
	retention  time.Duration
	maxEntries int
	deadlines  Deadlines

	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	observers []Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(obs Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, obs) }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	r := &Registry{
		jobs:       make(map[string]*record),
		active:     make(map[string]string),
		retention:  cfg.Retention,
		maxEntries: cfg.MaxEntries,
		deadlines:  Deadlines{Queued: cfg.QueuedTimeout, Processing: cfg.ProcessingTimeout}.normalized(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create records a new queued job for req.
func (r *Registry) Create(req domain.ExportRequest, fingerprint string) (domain.Job, error) {
	job, _, err := r.create(req, fingerprint, false)
	return job, err
}

// CreateOrAttach returns the non-terminal job already computing fingerprint,
// or records a new one. created reports which happened.
func (r *Registry) CreateOrAttach(req domain.ExportRequest, fingerprint string) (job domain.Job, created bool, err error) {
	return r.create(req, fingerprint, true)
}

func (r *Registry) create(req domain.ExportRequest, fingerprint string, attach bool) (domain.Job, bool, error) {
	now := r.now()
	var expired []transition

	r.mu.Lock()
	if attach && fingerprint != "" {
		if id, ok := r.active[fingerprint]; ok {
			if rec, ok := r.jobs[id]; ok && !rec.job.Status.IsTerminal() {
				if t, ok := r.expireLocked(rec, now); ok {
					expired = append(expired, t)
				} else {
					out := rec.job.Clone()
					r.mu.Unlock()
					return out, false, nil
				}
			}
		}
	}
	if len(r.jobs) >= r.maxEntries {
		r.evictOldestTerminalLocked(len(r.jobs) - r.maxEntries + 1)
		if len(r.jobs) >= r.maxEntries {
			r.mu.Unlock()
			r.notify(expired)
			return domain.Job{}, false, fmt.Errorf("%w: %d active jobs", ErrRegistryFull, len(r.jobs))
		}
	}

	job := domain.Job{
		ID:          r.newID(),
		Request:     req,
		Fingerprint: fingerprint,
		Status:      domain.JobQueued,
		CreatedAt:   now,
	}
	r.jobs[job.ID] = &record{job: job, done: make(chan struct{})}
	if fingerprint != "" {
		r.active[fingerprint] = job.ID
	}
	out := job.Clone()
	r.mu.Unlock()

	r.notify(expired)
	r.logger.Debug("Job created", "job_id", job.ID, "fingerprint", fingerprint)
	return out, true, nil
}

// Get returns a copy of the job with id.
func (r *Registry) Get(id string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec.job.Clone(), nil
}

// ActiveFor returns the non-terminal job computing fingerprint, if any. A job
// past its deadline is not reported.
func (r *Registry) ActiveFor(fingerprint string) (domain.Job, bool) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[fingerprint]
	if !ok {
		return domain.Job{}, false
	}
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		return domain.Job{}, false
	}
	if _, stale := r.overdueLocked(rec.job, now); stale {
		return domain.Job{}, false
	}
	return rec.job.Clone(), true
}

// SetDeadlines replaces the non-terminal job lifetimes.
func (r *Registry) SetDeadlines(d Deadlines) {
	r.mu.Lock()
	r.deadlines = d.normalized()
	r.mu.Unlock()
}

// Deadlines returns the non-terminal job lifetimes.
func (r *Registry) Deadlines() Deadlines {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deadlines
}

// Begin atomically claims a queued job for execution. Only one caller
// observes changed=true for a given job.
func (r *Registry) Begin(id string) (domain.Job, bool, error) {
	return r.Transition(id, domain.JobProcessing, Detail{})
}

// Transition moves the job to status. A job already in status, or already
// terminal, is left untouched and changed is false.
func (r *Registry) Transition(id string, status domain.JobStatus, detail Detail) (domain.Job, bool, error) {
	now := r.now()

	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return domain.Job{}, false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	from := rec.job.Status
	if from == status || from.IsTerminal() {
		out := rec.job.Clone()
		r.mu.Unlock()
		return out, false, nil
	}
	if !domain.CanTransition(from, status) {
		r.mu.Unlock()
		return domain.Job{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	out := r.applyLocked(id, rec, status, detail, now)
	observers := r.observers
	r.mu.Unlock()

	for _, obs := range observers {
		obs(out, from)
	}
	return out, true, nil
}

type transition struct {
	job  domain.Job
	from domain.JobStatus
}

// applyLocked moves rec to status. The caller has checked the transition.
func (r *Registry) applyLocked(id string, rec *record, status domain.JobStatus, detail Detail, now time.Time) domain.Job {
	job := rec.job
	job.Status = status
	switch status {
	case domain.JobProcessing:
		job.Attempts++
		job.StartedAt = &now
	case domain.JobCompleted:
		job.Result = detail.Result
		job.CompletedAt = &now
	case domain.JobFailed:
		job.Error = detail.Error
		if job.Error == nil {
			job.Error = &domain.JobError{Kind: domain.KindExecutionFailure, Message: "job failed"}
		}
		job.CompletedAt = &now
	}
	// Publish the fully built job in one assignment.
	rec.job = job.Clone()

	if status.IsTerminal() {
		close(rec.done)
		if r.active[job.Fingerprint] == id {
			delete(r.active, job.Fingerprint)
		}
	}
	return rec.job.Clone()
}

func (r *Registry) notify(ts []transition) {
	if len(ts) == 0 {
		return
	}
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, t := range ts {
		r.logger.Warn("Job expired", "job_id", t.job.ID, "from", t.from, "kind", t.job.Error.Kind)
		for _, obs := range observers {
			obs(t.job, t.from)
		}
	}
}

// overdueLocked reports whether job has outlived its non-terminal deadline
// and the failure kind to record.
func (r *Registry) overdueLocked(job domain.Job, now time.Time) (*domain.JobError, bool) {
	switch job.Status {
	case domain.JobQueued:
		if now.Sub(job.CreatedAt) > r.deadlines.Queued {
			return &domain.JobError{
				Kind:    domain.KindDispatch,
				Message: fmt.Sprintf("no delivery started the job within %s", r.deadlines.Queued),
			}, true
		}
	case domain.JobProcessing:
		if job.StartedAt != nil && now.Sub(*job.StartedAt) > r.deadlines.Processing {
			return &domain.JobError{
				Kind:    domain.KindExecutionTimeout,
				Message: fmt.Sprintf("execution reported no outcome within %s", r.deadlines.Processing),
			}, true
		}
	}
	return nil, false
}

func (r *Registry) expireLocked(rec *record, now time.Time) (transition, bool) {
	jobErr, ok := r.overdueLocked(rec.job, now)
	if !ok {
		return transition{}, false
	}
	from := rec.job.Status
	job := r.applyLocked(rec.job.ID, rec, domain.JobFailed, Detail{Error: jobErr}, now)
	return transition{job: job, from: from}, true
}

// Expire fails every non-terminal job past its deadline at now and returns
// how many were failed.
func (r *Registry) Expire(now time.Time) int {
	r.mu.Lock()
	var expired []transition
	for _, rec := range r.jobs {
		if rec.job.Status.IsTerminal() {
			continue
		}
		if t, ok := r.expireLocked(rec, now); ok {
			expired = append(expired, t)
		}
	}
	r.mu.Unlock()

	r.notify(expired)
	return len(expired)
}

// Wait blocks until the job is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (domain.Job, error) {
	r.mu.RLock()
	rec, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	select {
	case <-rec.done:
		return r.Get(id)
	case <-ctx.Done():
		job, err := r.Get(id)
		if err != nil {
			return domain.Job{}, err
		}
		return job, ctx.Err()
	}
}

// Prune expires overdue jobs, then removes terminal jobs completed more than
// the retention period before now and returns how many were removed.
func (r *Registry) Prune(now time.Time) int {
	r.Expire(now)
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.jobs {
		if !rec.job.Status.IsTerminal() {
			continue
		}
		if rec.job.CompletedAt != nil && rec.job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	if over := len(r.jobs) - r.maxEntries; over > 0 {
		removed += r.evictOldestTerminalLocked(over)
	}
	if removed > 0 {
		r.logger.Debug("Pruned jobs", "removed", removed, "remaining", len(r.jobs))
	}
	return removed
}

// RunPruner calls Prune every interval until ctx is cancelled.
func (r *Registry) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune(r.now())
		}
	}
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[domain.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.JobStatus]int, 4)
	for _, rec := range r.jobs {
		counts[rec.job.Status]++
	}
	return counts
}

func (r *Registry) evictOldestTerminalLocked(n int) int {
	if n <= 0 {
		return 0
	}
	terminal := make([]*record, 0)
	for _, rec := range r.jobs {
		if rec.job.Status.IsTerminal() {
			terminal = append(terminal, rec)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].job.CreatedAt.Before(terminal[j].job.CreatedAt)
	})
	if n > len(terminal) {
		n = len(terminal)
	}
	for _, rec := range terminal[:n] {
		delete(r.jobs, rec.job.ID)
	}
	return n
}
