// Package sandbox provides secure command execution capabilities.
//
// The ContainerExecutor runs commands inside warm Docker containers borrowed
// from the ContainerPool. Containers carry hardening (cap-drop ALL,
// no-new-privileges, read-only root, pids limit) plus the policy's resource
// and network constraints. A container whose command was forcibly killed is
// destroyed, never returned to the pool: reuse after a kill could leak the
// dead command's side effects into the next tenant.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// availabilityTTL is how long a daemon probe result is trusted before the
// next Available call re-probes.
const availabilityTTL = 5 * time.Second

// ContainerExecutor implements Executor over a ContainerRuntime and a pool.
type ContainerExecutor struct {
	logger         *zap.Logger
	poolCfg        PoolConfig
	defaultTimeout time.Duration
	newRuntime     func() (ContainerRuntime, error)

	mu        sync.Mutex
	runtime   ContainerRuntime
	pool      *ContainerPool
	availOK   bool
	availAt   time.Time
}

// ContainerExecutorOption customizes a ContainerExecutor.
type ContainerExecutorOption func(*ContainerExecutor)

// WithContainerRuntime substitutes the container engine client. Tests use
// this to run against an in-memory fake.
func WithContainerRuntime(rt ContainerRuntime) ContainerExecutorOption {
	return func(e *ContainerExecutor) {
		e.runtime = rt
	}
}

// NewContainerExecutor creates a container-backed executor. The pool is
// created lazily on first execute so that an unavailable daemon costs
// nothing until the backend is actually used.
func NewContainerExecutor(logger *zap.Logger, poolCfg PoolConfig, defaultTimeout time.Duration, opts ...ContainerExecutorOption) *ContainerExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	e := &ContainerExecutor{
		logger:         logger,
		poolCfg:        poolCfg,
		defaultTimeout: defaultTimeout,
		newRuntime:     NewDockerRuntime,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect probes the container engine. An unreachable daemon is a
// KindBackendUnavailable error — recorded, not fatal.
func (e *ContainerExecutor) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probeLocked(ctx)
}

// Available reports whether the container engine is reachable, re-probing
// at most once per availabilityTTL.
func (e *ContainerExecutor) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(e.availAt) < availabilityTTL {
		return e.availOK
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.probeLocked(ctx) == nil
}

func (e *ContainerExecutor) probeLocked(ctx context.Context) error {
	if e.runtime == nil {
		rt, err := e.newRuntime()
		if err != nil {
			e.availOK = false
			e.availAt = time.Now()
			return err
		}
		e.runtime = rt
	}

	err := e.runtime.Ping(ctx)
	e.availOK = err == nil
	e.availAt = time.Now()
	return err
}

// Execute borrows a container for the policy's image, runs the command via
// exec, and returns the container to the pool — or destroys it after a
// timeout or a suspect failure.
func (e *ContainerExecutor) Execute(ctx context.Context, req ExecutionRequest, policy IsolationPolicy) (ExecutionResult, error) {
	if len(req.Command) == 0 {
		return ExecutionResult{}, newError(KindInvalidPolicy, "container execute", errf("empty command"))
	}
	if policy.Image == "" {
		return ExecutionResult{}, newError(KindInvalidPolicy, "container execute", errf("container policy requires an image"))
	}

	pool, rt, err := e.ensurePool()
	if err != nil {
		return ExecutionResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	// One deadline covers both the pool wait and the exec: the caller's
	// timeout bounds the whole execution, not just the in-container run.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := ContainerSpec{
		Image:       policy.Image,
		MemoryBytes: policy.Resources.MemoryLimit,
		CPUQuota:    policy.Resources.CPUQuota,
		NetworkMode: policy.Network.Mode,
		Mounts:      policy.Mounts,
	}

	c, err := pool.Acquire(execCtx, policy.Image, spec)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			// Never reached a container: no partial output to report.
			return ExecutionResult{ExitCode: -1, TimedOut: true}, nil
		}
		return ExecutionResult{}, e.classify("container acquire", err)
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	e.logger.Debug("container execution starting",
		zap.String("container", c.ID),
		zap.String("image", policy.Image),
		zap.Strings("command", req.Command),
		zap.Duration("timeout", timeout))

	start := time.Now()
	out, execErr := rt.ExecContainer(execCtx, c.ID, req.Command, env, req.WorkingDir)
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		// The in-container process was killed mid-flight; the container may
		// carry its side effects. Destroy it rather than reuse it.
		e.logger.Warn("container execution timed out, destroying container",
			zap.String("container", c.ID),
			zap.Duration("timeout", timeout))
		pool.Destroy(c)
		return ExecutionResult{
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: -1,
			TimedOut: true,
			Duration: duration,
		}, nil
	}

	if execErr != nil {
		pool.Destroy(c)
		return ExecutionResult{}, e.classify("container execute", execErr)
	}

	pool.Release(c)

	e.logger.Debug("container execution completed",
		zap.String("container", c.ID),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", duration))

	return ExecutionResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Duration: duration,
	}, nil
}

// classify re-probes the daemon after a failure so connectivity loss
// surfaces as KindBackendUnavailable (the manager's fallback trigger)
// instead of a generic internal error.
func (e *ContainerExecutor) classify(op string, err error) error {
	if KindOf(err) == KindBackendUnavailable {
		return err
	}

	e.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	probeErr := e.probeLocked(ctx)
	cancel()
	e.mu.Unlock()

	if probeErr != nil {
		return newError(KindBackendUnavailable, op, fmt.Errorf("container engine unreachable: %w", err))
	}
	if kind := KindOf(err); kind == KindPoolExhausted || kind == KindPoolClosed {
		return err
	}
	return newError(KindInternal, op, err)
}

func (e *ContainerExecutor) ensurePool() (*ContainerPool, ContainerRuntime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pool != nil {
		return e.pool, e.runtime, nil
	}
	if e.runtime == nil {
		rt, err := e.newRuntime()
		if err != nil {
			return nil, nil, err
		}
		e.runtime = rt
	}
	pool, err := NewContainerPool(e.logger, e.runtime, e.poolCfg)
	if err != nil {
		return nil, nil, newError(KindInternal, "container pool init", err)
	}
	e.pool = pool
	return pool, e.runtime, nil
}

// Disconnect destroys all pooled containers and closes the engine client.
// Safe without a prior Connect and safe to call twice.
func (e *ContainerExecutor) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	pool := e.pool
	rt := e.runtime
	e.pool = nil
	e.runtime = nil
	e.availOK = false
	e.mu.Unlock()

	var firstErr error
	if pool != nil {
		firstErr = pool.DestroyAll(ctx)
	}
	if rt != nil {
		if err := rt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
