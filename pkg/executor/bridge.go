package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/export"
	"github.com/polisai/geoexport/pkg/telemetry"
)

const (
	DefaultDiagnosticsLimit = 8 << 10
	DefaultMaxConcurrent    = 2
	ArtifactContentType     = "application/dxf"
	artifactExt             = ".dxf"
)

// Run outcomes, as recorded in metrics and process logs.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeTimeout     = "timeout"
	OutcomeInterrupted = "interrupted"
)

var (
	// ErrSaturated is returned when every execution slot is taken.
	ErrSaturated = errors.New("executor saturated")
	// ErrInterrupted is returned when a run is cancelled for a reason other
	// than its own deadline, typically shutdown.
	ErrInterrupted = errors.New("execution interrupted")
)

// Config configures the bridge.
type Config struct {
	Deployment       domain.Deployment `yaml:"-" json:"-"`
	Layout           Layout            `yaml:"layout" json:"layout"`
	OutputDir        string            `yaml:"output_dir" json:"output_dir"`
	MaxConcurrent    int               `yaml:"max_concurrent" json:"max_concurrent"`
	DiagnosticsLimit int               `yaml:"diagnostics_limit" json:"diagnostics_limit"`
	Env              []string          `yaml:"env" json:"env"`
	Limits           export.Limits     `yaml:"-" json:"-"`
}

// Outcome is the eventual result of Lease.Run.
type Outcome struct {
	Result domain.ResultRef
	Err    error
}

// Bridge runs the generation engine for admitted jobs.
type Bridge struct {
	cfg      Config
	entry    string
	sem      *semaphore.Weighted
	timeouts *governance.TimeoutManager
	runner   ProcessRunner
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracing  *telemetry.TracingManager
	audit    *telemetry.StructuredLogger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRunner replaces the process runner.
func WithRunner(r ProcessRunner) Option {
	return func(b *Bridge) { b.runner = r }
}

// WithMetrics records executions on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithTracing wraps runs in spans and propagates trace context to the engine.
func WithTracing(t *telemetry.TracingManager) Option {
	return func(b *Bridge) { b.tracing = t }
}

// WithAuditLogger reports every finished process on l.
func WithAuditLogger(l *telemetry.StructuredLogger) Option {
	return func(b *Bridge) { b.audit = l }
}

// NewBridge resolves the engine entry point and prepares the bridge. It
// does not check that the entry point exists; see Check.
func NewBridge(cfg Config, timeouts *governance.TimeoutManager, logger *slog.Logger, opts ...Option) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeouts == nil {
		timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DiagnosticsLimit <= 0 {
		cfg.DiagnosticsLimit = DefaultDiagnosticsLimit
	}
	if cfg.OutputDir == "" {
		return nil, configError("output directory is not configured")
	}
	out, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.KindConfiguration, "invalid output directory", err)
	}
	cfg.OutputDir = out

	entry, err := ResolveEntryPoint(cfg.Deployment, cfg.Layout)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:      cfg,
		entry:    entry,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		timeouts: timeouts,
		logger:   logger,
		tracing:  telemetry.NewTracingManager(false),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.runner == nil {
		b.runner = NewProcessRunner(logger)
	}
	if b.audit == nil {
		b.audit = telemetry.NewStructuredLogger(logger)
	}
	return b, nil
}

// EntryPoint returns the resolved engine path.
func (b *Bridge) EntryPoint() string {
	return b.entry
}

// OutputDir returns the absolute artifact directory.
func (b *Bridge) OutputDir() string {
	return b.cfg.OutputDir
}

// Check verifies the engine entry point and the output directory.
func (b *Bridge) Check() error {
	if err := VerifyEntryPoint(b.entry); err != nil {
		return err
	}
	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return domain.NewErrorWithCause(domain.KindConfiguration, "output directory is not writable", err).
			WithContext("path", b.cfg.OutputDir)
	}
	return nil
}

// ArtifactPath is where the artifact for fingerprint is written.
func (b *Bridge) ArtifactPath(fingerprint string) string {
	return filepath.Join(b.cfg.OutputDir, fingerprint+artifactExt)
}

// Lease is a held execution slot. Execute releases it; Release gives it
// back without running anything. Both are safe to call more than once.
type Lease struct {
	b    *Bridge
	once sync.Once
}

// Acquire takes an execution slot without waiting. It returns ErrSaturated
// when every slot is busy.
func (b *Bridge) Acquire() (*Lease, error) {
	if !b.acquire() {
		return nil, ErrSaturated
	}
	return &Lease{b: b}, nil
}

// Release returns the slot.
func (l *Lease) Release() {
	l.once.Do(func() { l.b.sem.Release(1) })
}

// Execute runs the engine on the leased slot and releases it afterwards.
func (l *Lease) Execute(ctx context.Context, jobID string, req domain.ExportRequest) (domain.ResultRef, error) {
	defer l.Release()
	return l.b.execute(ctx, jobID, req)
}

// Run starts the execution in the background and returns a channel that
// receives exactly one Outcome before it is closed. The slot is released
// when the engine finishes.
func (l *Lease) Run(ctx context.Context, jobID string, req domain.ExportRequest) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		ref, err := l.Execute(ctx, jobID, req)
		out <- Outcome{Result: ref, Err: err}
	}()
	return out
}

// Execute runs the engine and blocks until it finishes.
func (b *Bridge) Execute(ctx context.Context, jobID string, req domain.ExportRequest) (domain.ResultRef, error) {
	lease, err := b.Acquire()
	if err != nil {
		return domain.ResultRef{}, err
	}
	return lease.Execute(ctx, jobID, req)
}

func (b *Bridge) acquire() bool {
	if b.sem.TryAcquire(1) {
		return true
	}
	if b.metrics != nil {
		b.metrics.RecordExecutionRejected()
	}
	b.logger.Warn("Execution rejected, all slots busy", "max_concurrent", b.cfg.MaxConcurrent)
	return false
}

func (b *Bridge) execute(ctx context.Context, jobID string, req domain.ExportRequest) (ref domain.ResultRef, err error) {
	req = req.Normalized()
	fp := export.Fingerprint(req)

	ctx, span := b.tracing.StartSpan(ctx, "executor.run",
		attribute.String("job.id", jobID),
		attribute.String("export.fingerprint", fp),
	)
	defer func() { b.tracing.EndSpan(span, err) }()

	if err := VerifyEntryPoint(b.entry); err != nil {
		return domain.ResultRef{}, err
	}
	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return domain.ResultRef{}, domain.NewErrorWithCause(domain.KindExecutionFailure, "cannot create output directory", err)
	}

	// The engine writes to a per-job file which replaces the published
	// artifact only on success.
	output := b.ArtifactPath(fp)
	scratch, err := b.scratchPath(fp, jobID)
	if err != nil {
		return domain.ResultRef{}, err
	}
	defer os.Remove(scratch)

	args, err := BuildArgs(req, scratch, b.cfg.Limits)
	if err != nil {
		return domain.ResultRef{}, err
	}
	command := make([]string, 0, len(b.cfg.Layout.Interpreter)+1+len(args))
	command = append(command, b.cfg.Layout.Interpreter...)
	command = append(command, b.entry)
	command = append(command, args...)

	timeouts := b.timeouts.Config()
	execCtx, cancel := b.timeouts.WithExecutionTimeout(ctx)
	defer cancel()

	spec := ProcessSpec{
		Command:     command,
		Dir:         b.cfg.OutputDir,
		Env:         b.tracing.InjectProcessEnv(execCtx, append([]string(nil), b.cfg.Env...)),
		Grace:       timeouts.Grace,
		OutputLimit: b.cfg.DiagnosticsLimit,
	}

	if b.metrics != nil {
		b.metrics.ExecutionStarted()
	}
	b.logger.Info("Starting engine", "job_id", jobID, "fingerprint", fp, "timeout", timeouts.Execution)

	res, runErr := b.runner.Run(execCtx, spec)
	outcome, ref, err := b.interpret(res, runErr, scratch, timeouts.Execution)
	if err == nil {
		if err = os.Rename(scratch, output); err != nil {
			outcome = OutcomeFailed
			err = domain.NewErrorWithCause(domain.KindExecutionFailure, "cannot publish artifact", err).
				WithContext("path", output)
		} else {
			ref.Path = output
		}
	}

	if b.metrics != nil {
		b.metrics.ExecutionFinished(outcome, res.Duration)
	}
	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		Mode:       string(req.Mode),
		Projection: string(req.Projection),
		Layers:     len(req.Layers),
		Outcome:    outcome,
		Duration:   res.Duration,
		Truncated:  res.Truncated,
	})
	b.audit.LogProcessEvent(ctx, jobID, res.PID, res.ExitCode, res.Duration, outcome)
	span.SetAttributes(
		attribute.String("execution.outcome", outcome),
		attribute.Int("process.exit_code", res.ExitCode),
	)
	return ref, err
}

// scratchPath reserves a per-job file next to the published artifact. Keeping
// it in the same directory makes the final rename atomic.
func (b *Bridge) scratchPath(fingerprint, jobID string) (string, error) {
	f, err := os.CreateTemp(b.cfg.OutputDir, "."+fingerprint+"-"+sanitizeID(jobID)+"-*"+artifactExt)
	if err != nil {
		return "", domain.NewErrorWithCause(domain.KindExecutionFailure, "cannot reserve artifact file", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", domain.NewErrorWithCause(domain.KindExecutionFailure, "cannot reserve artifact file", err)
	}
	// The engine creates the file itself.
	if err := os.Remove(name); err != nil {
		return "", domain.NewErrorWithCause(domain.KindExecutionFailure, "cannot reserve artifact file", err)
	}
	return name, nil
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}

func (b *Bridge) interpret(res ProcessResult, runErr error, output string, budget time.Duration) (string, domain.ResultRef, error) {
	if runErr != nil {
		return OutcomeFailed, domain.ResultRef{}, domain.NewErrorWithCause(domain.KindExecutionFailure, "engine could not be started", runErr)
	}

	diagnostics := res.Stderr
	if diagnostics == "" {
		diagnostics = res.Stdout
	}

	switch {
	case res.TimedOut:
		return OutcomeTimeout, domain.ResultRef{}, domain.NewErrorWithCause(domain.KindExecutionTimeout,
			fmt.Sprintf("engine exceeded the %s execution budget", budget), governance.ErrExecutionTimeout).
			WithContext(domain.DiagnosticsKey, diagnostics)
	case res.Canceled:
		return OutcomeInterrupted, domain.ResultRef{}, ErrInterrupted
	case res.ExitCode != 0:
		return OutcomeFailed, domain.ResultRef{}, domain.NewError(domain.KindExecutionFailure,
			fmt.Sprintf("engine exited with status %d", res.ExitCode)).
			WithContext(domain.DiagnosticsKey, diagnostics).
			WithContext("truncated", res.Truncated)
	}

	info, err := os.Stat(output)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return OutcomeFailed, domain.ResultRef{}, domain.NewError(domain.KindExecutionFailure, "engine produced no artifact").
			WithContext(domain.DiagnosticsKey, diagnostics)
	}
	return OutcomeCompleted, domain.ResultRef{
		Path:        output,
		Size:        info.Size(),
		ContentType: ArtifactContentType,
	}, nil
}
