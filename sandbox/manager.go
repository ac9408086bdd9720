// Package sandbox provides secure command execution capabilities.
//
// The SandboxManager is the single entry point of the engine. It owns the
// configured default policy and the executor registry, merges per-call
// policies over the defaults, dispatches to the backend the merged policy
// names, and retries transparently along the fallback chain when a backend
// reports unavailable. Backend-unavailable is the only fallback trigger: a
// command that fails inside one backend is never retried in another, because
// that would change execution semantics, not just mechanism.
package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// SandboxManager owns executor lifecycle, policy merging, backend selection
// and fallback. Safe for concurrent use by many callers.
type SandboxManager struct {
	logger         *zap.Logger
	defaults       IsolationPolicy
	defaultEnv     map[string]string
	defaultTimeout time.Duration
	fallback       []BackendType

	mu          sync.Mutex
	executors   map[BackendType]Executor
	initialized bool
}

// ManagerOption customizes a SandboxManager.
type ManagerOption func(*SandboxManager)

// WithExecutor replaces the registry entry for a backend type. Tests use
// this to substitute stub executors.
func WithExecutor(t BackendType, e Executor) ManagerOption {
	return func(m *SandboxManager) {
		m.executors[t] = e
	}
}

// NewManager builds a manager from validated configuration. Configuration
// errors are unrecoverable and fail construction; backend availability is
// checked later, at Initialize or first use.
func NewManager(logger *zap.Logger, cfg *config.Config, opts ...ManagerOption) (*SandboxManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	preferred, err := ParseBackend(cfg.Sandbox.Backend)
	if err != nil {
		return nil, err
	}

	var fallback []BackendType
	for _, fb := range cfg.Sandbox.Fallback {
		t, err := ParseBackend(fb)
		if err != nil {
			return nil, err
		}
		fallback = append(fallback, t)
	}

	defaultTimeout := cfg.GetTimeout()
	m := &SandboxManager{
		logger: logger,
		defaults: IsolationPolicy{
			Type:  preferred,
			Image: cfg.Sandbox.Image,
			Resources: ResourceSpec{
				MemoryLimit: cfg.MemoryBytes(),
				CPUQuota:    cfg.Sandbox.CPUs,
			},
			Network: NetworkPolicy{Mode: NetworkMode(cfg.Sandbox.Network)},
		},
		defaultEnv:     cfg.Sandbox.Env,
		defaultTimeout: defaultTimeout,
		fallback:       fallback,
		executors: map[BackendType]Executor{
			BackendNative: NewNativeExecutor(logger, defaultTimeout),
			BackendContainer: NewContainerExecutor(logger, PoolConfig{
				MaxSize:     cfg.Sandbox.Pool.MaxSize,
				IdleTimeout: cfg.GetIdleTimeout(),
			}, defaultTimeout),
			BackendWasm: NewWasmExecutor(logger, cfg.Sandbox.Wasm.ModulePath, defaultTimeout),
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Initialize connects every registered executor. Idempotent and safe to
// call concurrently. Backend unavailability (no Docker daemon, no WASM
// module) is logged, never fatal — unavailable backends simply lose to the
// fallback chain at execute time.
func (m *SandboxManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	for t, exec := range m.executors {
		if err := exec.Connect(ctx); err != nil {
			m.logger.Info("backend not available at startup",
				zap.String("backend", string(t)), zap.Error(err))
		} else {
			m.logger.Info("backend connected", zap.String("backend", string(t)))
		}
	}

	m.initialized = true
	return nil
}

// Execute merges the call-site policy over the defaults, dispatches to the
// merged policy's backend, and falls back along the configured chain when a
// backend is unavailable. A nil policy runs entirely on defaults.
//
// The returned ExecutionResult is valid even when the command failed or
// timed out; a non-nil error means no backend could attempt the execution.
func (m *SandboxManager) Execute(ctx context.Context, req ExecutionRequest, policy *IsolationPolicy) (ExecutionResult, error) {
	if err := m.Initialize(ctx); err != nil {
		return ExecutionResult{}, err
	}

	var overlay IsolationPolicy
	if policy != nil {
		overlay = *policy
	}
	merged := MergePolicies(m.defaults, overlay)
	if err := merged.Validate(); err != nil {
		return ExecutionResult{}, err
	}

	req.Env = mergeEnv(m.defaultEnv, req.Env)
	if req.Timeout <= 0 {
		req.Timeout = m.defaultTimeout
	}

	chain := m.chainFor(merged.Type)

	var lastErr error
	for i, backend := range chain {
		exec, ok := m.executor(backend)
		if !ok {
			continue
		}
		if !exec.Available() {
			lastErr = newError(KindBackendUnavailable, "execute",
				errf("backend %s is not available", backend))
			m.logger.Debug("backend unavailable, trying next",
				zap.String("backend", string(backend)))
			continue
		}

		pol := merged.retarget(backend)
		if i > 0 {
			m.logger.Warn("falling back to alternate backend",
				zap.String("requested", string(merged.Type)),
				zap.String("using", string(backend)))
			if backend == BackendNative && merged.Network.Mode == NetworkNone {
				m.logger.Warn("fallback downgrades network isolation: native backend cannot enforce network.mode=none")
			}
		}

		result, err := exec.Execute(ctx, req, pol)
		if err != nil && IsBackendUnavailable(err) {
			lastErr = err
			continue
		}
		return result, err
	}

	if lastErr == nil {
		lastErr = newError(KindBackendUnavailable, "execute",
			errf("no executor registered for backend %s", merged.Type))
	}
	return ExecutionResult{}, lastErr
}

// DockerAvailable reports whether the container backend can currently reach
// its engine daemon. Best-effort; never panics, never blocks for long.
func (m *SandboxManager) DockerAvailable() bool {
	exec, ok := m.executor(BackendContainer)
	if !ok {
		return false
	}
	return exec.Available()
}

// Shutdown disconnects every executor, destroying all pooled containers.
// Safe without a prior Initialize and safe to call twice.
func (m *SandboxManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for t, exec := range m.executors {
		if err := exec.Disconnect(ctx); err != nil {
			m.logger.Warn("backend disconnect failed",
				zap.String("backend", string(t)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.initialized = false
	return firstErr
}

// chainFor builds the ordered backend list for one execution: the requested
// backend first, then the configured fallbacks, deduplicated.
func (m *SandboxManager) chainFor(requested BackendType) []BackendType {
	chain := []BackendType{requested}
	for _, fb := range m.fallback {
		if fb != requested {
			chain = append(chain, fb)
		}
	}
	return chain
}

func (m *SandboxManager) executor(t BackendType) (Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executors[t]
	return exec, ok
}

// mergeEnv overlays request env over configured defaults; request wins.
func mergeEnv(defaults, overlay map[string]string) map[string]string {
	if len(defaults) == 0 {
		return overlay
	}
	merged := make(map[string]string, len(defaults)+len(overlay))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
