// Package sandbox invokes an external container runtime with a
// hardened security profile and enforces wall-clock timeouts on the
// processes inside it. Every scanner backend runs through this
// executor; none of them touch the host directly.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/config"
)

// TimeoutExitCode is the sentinel exit code reported when a sandboxed
// process is killed for exceeding its wall-clock budget. It is outside
// the range any supported scanner uses for real results.
const TimeoutExitCode = 124

// Fixed mount points inside the sandbox. Adapters build their
// command lines against these paths, never against host paths.
const (
	RepoMountPath   = "/repo"
	OutputMountPath = "/output"
)

// ContainerConfig describes one sandbox request.
type ContainerConfig struct {
	// Image is the container image reference; Digest, when set, pins
	// its content hash (image@sha256:...).
	Image  string
	Digest string

	// ReadOnlyRoot mounts the root filesystem read-only and adds a
	// size-capped noexec/nosuid tmpfs at /tmp for scratch space.
	ReadOnlyRoot bool

	// NetworkEnabled re-enables networking. Only DAST-style scanners
	// that must reach their target set this; everything else runs with
	// the network fully disabled.
	NetworkEnabled bool

	// MountRepo controls whether the repository is bind-mounted
	// read-only at RepoMountPath. DAST scanners have no use for the
	// source tree and leave it out.
	MountRepo bool

	// OutputMount is the container path the output directory is
	// mounted read-write at. Empty means OutputMountPath.
	OutputMount string

	// WorkDir is the working directory inside the container. Empty
	// means RepoMountPath.
	WorkDir string
}

// ContainerResult is the outcome of one sandbox invocation. A timed
// out run is a normal result, not an error: callers must check
// TimedOut explicitly.
type ContainerResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
}

// Executor runs commands inside hardened containers via an external
// container runtime binary (docker, podman).
type Executor struct {
	runtimePath string
	cfg         config.SandboxConfig
	logger      *zap.Logger
}

// NewExecutor locates the configured container runtime binary and
// fails fast, before any process is spawned, when it cannot be found.
func NewExecutor(cfg config.SandboxConfig, logger *zap.Logger) (*Executor, error) {
	path, err := exec.LookPath(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("container runtime %q not found in PATH: %w", cfg.Runtime, err)
	}
	return &Executor{
		runtimePath: path,
		cfg:         cfg,
		logger:      logger.Named("sandbox"),
	}, nil
}

// BuildArgs assembles the runtime invocation for a sandbox request.
// Exposed for tests; Run is the production entry point.
func (e *Executor) BuildArgs(cc ContainerConfig, repoPath, outputPath string, command []string) []string {
	args := []string{
		"run", "--rm",
		"--user", fmt.Sprintf("%d:%d", e.cfg.UID, e.cfg.GID),
	}

	if cc.ReadOnlyRoot {
		args = append(args,
			"--read-only",
			"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%s", e.cfg.TmpfsSize),
		)
	}
	if !cc.NetworkEnabled {
		args = append(args, "--network", "none")
	}

	args = append(args,
		"--security-opt=no-new-privileges",
		"--memory", e.cfg.Memory,
		"--cpus", e.cfg.CPUs,
	)

	// Only allow-listed environment variables cross the boundary, and
	// only by name: the runtime resolves the value from its own
	// environment, so nothing is baked into the argv.
	for _, name := range e.cfg.EnvAllowlist {
		if os.Getenv(name) != "" {
			args = append(args, "-e", name)
		}
	}

	if cc.MountRepo {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", repoPath, RepoMountPath))
	}
	outputMount := cc.OutputMount
	if outputMount == "" {
		outputMount = OutputMountPath
	}
	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", outputPath, outputMount))

	workDir := cc.WorkDir
	if workDir == "" {
		workDir = RepoMountPath
	}
	args = append(args, "-w", workDir)

	image := cc.Image
	if cc.Digest != "" {
		image = image + "@" + cc.Digest
	}
	args = append(args, image)
	args = append(args, command...)
	return args
}

// Run executes a command inside the sandbox and blocks until it exits
// or the timeout fires. On timeout the whole process group is killed,
// partial output is preserved, and the result carries the sentinel
// exit code with TimedOut set.
func (e *Executor) Run(ctx context.Context, cc ContainerConfig, repoPath, outputPath string, command []string, timeout time.Duration) (*ContainerResult, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.BuildArgs(cc, repoPath, outputPath, command)
	e.logger.Debug("Starting sandboxed process",
		zap.String("image", cc.Image),
		zap.Duration("timeout", timeout),
		zap.Strings("command", command),
	)

	cmd := exec.CommandContext(runCtx, e.runtimePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The runtime CLI may spawn helpers; put the invocation in its own
	// process group so a timeout kill takes the whole tree down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Stripped environment for the runtime CLI itself.
	cmd.Env = e.hostEnv()

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &ContainerResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
		e.logger.Warn("Sandboxed process timed out",
			zap.String("image", cc.Image),
			zap.Duration("timeout", timeout),
		)
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit is a normal outcome; the adapter decides
			// what it means for its tool.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to start sandboxed process: %w", runErr)
	}

	result.ExitCode = cmd.ProcessState.ExitCode()
	return result, nil
}

// PullImage is a best-effort capability check: it attempts to pull the
// image and reports success as a boolean rather than propagating
// low-level runtime errors.
func (e *Executor) PullImage(ctx context.Context, image string) bool {
	cmd := exec.CommandContext(ctx, e.runtimePath, "pull", image)
	cmd.Env = e.hostEnv()
	if err := cmd.Run(); err != nil {
		e.logger.Debug("Image pull failed", zap.String("image", image), zap.Error(err))
		return false
	}
	return true
}

// hostEnv builds the minimal environment for the runtime CLI: the
// variables it needs to function plus the forwarding allow-list.
func (e *Executor) hostEnv() []string {
	keep := append([]string{"PATH", "HOME", "USER", "DOCKER_HOST", "XDG_RUNTIME_DIR"}, e.cfg.EnvAllowlist...)
	env := make([]string, 0, len(keep))
	for _, name := range keep {
		if val := os.Getenv(name); val != "" {
			env = append(env, name+"="+val)
		}
	}
	return env
}

// ExitCodeString renders an exit code for logs and manifests, naming
// the timeout sentinel explicitly.
func ExitCodeString(code int) string {
	if code == TimeoutExitCode {
		return "124 (timeout)"
	}
	return strconv.Itoa(code)
}
