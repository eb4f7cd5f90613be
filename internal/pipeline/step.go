// Package pipeline sequences configured steps and scanner adapters,
// persists the run manifest, aggregates findings, and converts the
// result into a CI policy verdict.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
)

// StepStatus is the state of one pipeline step. Steps move
// Pending -> Running -> {Succeeded, Failed, TimedOut}; a step skipped
// by a fail-fast abort stays Pending.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusTimedOut  StepStatus = "timed_out"
)

// maxStepOutput bounds the captured output recorded per step so the
// manifest stays small regardless of how chatty a build is.
const maxStepOutput = 64 << 10

// defaultStepTimeout applies when a step config carries no timeout.
const defaultStepTimeout = 10 * time.Minute

// StepResult records the outcome of one pipeline step.
type StepResult struct {
	Name       string     `json:"name"`
	Args       []string   `json:"args"`
	Status     StepStatus `json:"status"`
	ExitCode   int        `json:"exit_code"`
	DurationMs int64      `json:"duration_ms"`
	Output     string     `json:"output,omitempty"`
	TimedOut   bool       `json:"timed_out"`
}

// StepExecutor runs one configured step to completion. Narrowed to an
// interface so runner tests can substitute scripted outcomes.
type StepExecutor interface {
	RunStep(ctx context.Context, step config.StepConfig, workDir string) StepResult
}

// HostStepExecutor runs steps directly on the host, in the repository
// working directory. Steps are preparation commands the user already
// trusts (build, codegen, dependency download); only scanner tools go
// through the container sandbox.
type HostStepExecutor struct {
	logger *zap.Logger
}

// NewHostStepExecutor returns a step executor running on the host.
func NewHostStepExecutor(logger *zap.Logger) *HostStepExecutor {
	return &HostStepExecutor{logger: logger.Named("steps")}
}

// RunStep executes the step and blocks until it exits or its timeout
// fires. Timeouts kill the whole process group and are reported with
// the same sentinel exit code the sandbox uses.
func (h *HostStepExecutor) RunStep(ctx context.Context, step config.StepConfig, workDir string) StepResult {
	res := StepResult{
		Name:   step.Name,
		Args:   step.Command,
		Status: StatusRunning,
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, step.Command[0], step.Command[1:]...)
	cmd.Dir = workDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	runErr := cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()
	res.Output = truncateOutput(output.String())

	if runCtx.Err() == context.DeadlineExceeded {
		res.Status = StatusTimedOut
		res.TimedOut = true
		res.ExitCode = sandbox.TimeoutExitCode
		h.logger.Warn("Pipeline step timed out",
			zap.String("step", step.Name),
			zap.Duration("timeout", timeout),
		)
		return res
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Could not start at all: no exit code exists, record the
			// spawn error as the step's output.
			res.ExitCode = -1
			res.Output = truncateOutput(runErr.Error())
		}
		res.Status = StatusFailed
		return res
	}

	res.ExitCode = cmd.ProcessState.ExitCode()
	res.Status = StatusSucceeded
	return res
}

func truncateOutput(s string) string {
	if len(s) <= maxStepOutput {
		return s
	}
	return s[:maxStepOutput] + "\n... (output truncated)"
}
