// Package sandbox provides secure command execution capabilities.
//
// The NativeExecutor runs commands directly as host OS processes. It is the
// trusted tier of the engine: resource limits are applied best-effort via
// ulimit and network isolation is NOT enforced (there is no native-process
// equivalent of network.mode=none without firewall integration). Process
// groups guarantee that a timed-out command leaves no orphaned children.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// NativeExecutor spawns commands as host OS processes.
type NativeExecutor struct {
	logger         *zap.Logger
	defaultTimeout time.Duration
}

// NewNativeExecutor creates a native process executor.
func NewNativeExecutor(logger *zap.Logger, defaultTimeout time.Duration) *NativeExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &NativeExecutor{
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// Connect is a no-op: the host is always reachable.
func (n *NativeExecutor) Connect(_ context.Context) error { return nil }

// Available always reports true for the host backend.
func (n *NativeExecutor) Available() bool { return true }

// Disconnect is a no-op.
func (n *NativeExecutor) Disconnect(_ context.Context) error { return nil }

// Execute runs the command as a child process in its own process group,
// with a timeout watchdog and best-effort ulimit resource enforcement.
func (n *NativeExecutor) Execute(ctx context.Context, req ExecutionRequest, policy IsolationPolicy) (ExecutionResult, error) {
	if len(req.Command) == 0 {
		return ExecutionResult{}, newError(KindInvalidPolicy, "native execute", errf("empty command"))
	}

	if policy.Network.Mode == NetworkNone {
		// No firewall integration: native execution cannot block the
		// network stack. The caller opted into the trusted tier.
		n.logger.Warn("network.mode=none is not enforced by the native backend",
			zap.Strings("command", req.Command))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = n.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := req.WorkingDir
	var tmpDir string
	if workDir == "" {
		var err error
		tmpDir, err = os.MkdirTemp("", "runbox-native-*")
		if err != nil {
			return ExecutionResult{}, newError(KindInternal, "native execute", fmt.Errorf("creating temp workdir: %w", err))
		}
		workDir = tmpDir
		defer func() {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				n.logger.Warn("failed to remove temp workdir",
					zap.String("dir", tmpDir), zap.Error(rmErr))
			}
		}()
	}

	cmd := buildNativeCommand(execCtx, req, policy)
	cmd.Dir = workDir

	// The child runs in its own process group so the whole tree can be
	// killed on timeout, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid targets the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Collect whatever output the pipes still hold after the kill.
	cmd.WaitDelay = time.Second

	// The inherited environment is extended, not replaced: native is the
	// trusted/internal tier and commands may need the host toolchain.
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	n.logger.Debug("native execution starting",
		zap.Strings("command", req.Command),
		zap.String("dir", workDir),
		zap.Duration("timeout", timeout))

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		n.logger.Warn("native execution timed out",
			zap.Strings("command", req.Command),
			zap.Duration("timeout", timeout))
		return ExecutionResult{
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: -1,
			TimedOut: true,
			Duration: duration,
		}, nil
	}
	if ctx.Err() != nil {
		return ExecutionResult{}, newError(KindInternal, "native execute", ctx.Err())
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit is an expected outcome, not an error.
			exitCode = exitErr.ExitCode()
		} else {
			return ExecutionResult{}, newError(KindInternal, "native execute", fmt.Errorf("spawning process: %w", runErr))
		}
	}

	n.logger.Debug("native execution completed",
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration))

	return ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildNativeCommand wraps the request in a shell that applies ulimit-based
// resource caps before exec'ing the real command. ulimit failures are
// swallowed: enforcement is best-effort and platform-dependent.
//
// The user command is passed as positional parameters ($@), never
// interpolated into the shell string, so it cannot inject shell syntax.
func buildNativeCommand(ctx context.Context, req ExecutionRequest, policy IsolationPolicy) *exec.Cmd {
	if policy.Resources.MemoryLimit <= 0 && policy.Resources.CPUQuota <= 0 {
		return exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	}

	script := ""
	if policy.Resources.MemoryLimit > 0 {
		memKB := policy.Resources.MemoryLimit / 1024
		script += fmt.Sprintf("ulimit -v %d 2>/dev/null; ", memKB)
	}
	if policy.Resources.CPUQuota > 0 {
		// ulimit has no fractional-core rate limit; the closest control is
		// CPU seconds. One core-quota unit maps to the wall-clock timeout.
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cpuSec := int(policy.Resources.CPUQuota*timeout.Seconds()) + 1
		script += fmt.Sprintf("ulimit -t %d 2>/dev/null; ", cpuSec)
	}
	script += `exec "$@"`

	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", script, "runbox")
	args = append(args, req.Command...)
	return exec.CommandContext(ctx, "/bin/sh", args...)
}
