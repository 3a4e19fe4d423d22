package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// DefaultGrace is how long a cancelled process has between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// ProcessSpec describes one engine invocation.
type ProcessSpec struct {
	Command     []string
	Dir         string
	Env         []string
	Grace       time.Duration
	OutputLimit int
}

// ProcessResult is what is known about a finished process.
type ProcessResult struct {
	PID       int
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
	TimedOut  bool
	Canceled  bool
}

// ProcessRunner runs a command to completion.
type ProcessRunner interface {
	Run(ctx context.Context, spec ProcessSpec) (ProcessResult, error)
}

// DefaultProcessRunner runs commands as local child processes in their own
// process group. When ctx ends the whole group receives SIGTERM and, after
// the grace period, SIGKILL.
type DefaultProcessRunner struct {
	logger *slog.Logger
}

// NewProcessRunner creates a runner.
func NewProcessRunner(logger *slog.Logger) *DefaultProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultProcessRunner{logger: logger}
}

// Run starts the command and waits for it. The returned error is non-nil only
// when the process could not be started; exit status is reported in the result.
func (r *DefaultProcessRunner) Run(ctx context.Context, spec ProcessSpec) (ProcessResult, error) {
	result := ProcessResult{ExitCode: -1}
	if len(spec.Command) == 0 {
		return result, fmt.Errorf("command cannot be empty")
	}

	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	stdout := newTailBuffer(spec.OutputLimit)
	stderr := newTailBuffer(spec.OutputLimit)

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = grace
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		r.logger.Warn("Stopping process", "pid", cmd.Process.Pid, "grace", grace, "reason", context.Cause(ctx))
		return terminateGroup(cmd.Process)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result, fmt.Errorf("failed to start process: %w", err)
	}
	result.PID = cmd.Process.Pid
	r.logger.Debug("Process started", "pid", result.PID, "command", spec.Command[0])

	waitErr := cmd.Wait()
	result.Duration = time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Anything the leader left behind in the group goes too.
		killGroup(cmd.Process)
		result.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		result.Canceled = !result.TimedOut
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		r.logger.Warn("Process output pipes outlived the process", "pid", result.PID)
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.Truncated() || stderr.Truncated()

	if result.ExitCode != 0 {
		r.logger.Debug("Process exited with error", "pid", result.PID, "exit_code", result.ExitCode, "error", waitErr)
	}
	return result, nil
}
