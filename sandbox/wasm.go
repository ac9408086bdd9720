// Package sandbox provides secure command execution capabilities.
//
// The WasmExecutor runs commands through a precompiled WASI module in an
// embedded wazero runtime. Isolation is structural rather than policy
// driven: the module gets string in/out channels only — no filesystem
// preopens, no network, no process spawning. Timeouts are enforced by a
// host watchdog (context deadline + CloseOnContextDone) since WASM
// execution is otherwise non-preemptible.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// WasmExecutor implements Executor with an embedded wazero runtime.
type WasmExecutor struct {
	logger         *zap.Logger
	modulePath     string
	defaultTimeout time.Duration

	mu        sync.Mutex
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	available bool
	probed    bool
}

// NewWasmExecutor creates a WASM executor that will load the module at
// modulePath on Connect. An empty path means the backend is unavailable —
// the primary fallback trigger in environments without WASM support.
func NewWasmExecutor(logger *zap.Logger, modulePath string, defaultTimeout time.Duration) *WasmExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &WasmExecutor{
		logger:         logger,
		modulePath:     modulePath,
		defaultTimeout: defaultTimeout,
	}
}

// Connect initializes the runtime and compiles the module. A missing or
// uncompilable module is a non-fatal KindBackendUnavailable error; the
// outcome is recorded for the executor's lifetime.
func (w *WasmExecutor) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.probed {
		if w.available {
			return nil
		}
		return newError(KindBackendUnavailable, "wasm connect", errf("wasm module unavailable"))
	}
	w.probed = true

	if w.modulePath == "" {
		w.logger.Info("wasm backend disabled: no module path configured")
		return newError(KindBackendUnavailable, "wasm connect", errf("no wasm module configured"))
	}

	moduleBytes, err := os.ReadFile(w.modulePath)
	if err != nil {
		w.logger.Info("wasm backend unavailable",
			zap.String("module", w.modulePath), zap.Error(err))
		return newError(KindBackendUnavailable, "wasm connect", fmt.Errorf("reading module: %w", err))
	}

	// CloseOnContextDone lets the host watchdog preempt a running module
	// when the execution deadline expires.
	rt := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return newError(KindBackendUnavailable, "wasm connect", fmt.Errorf("instantiating WASI: %w", err))
	}

	// Compile once; instantiate per execution.
	compiled, err := rt.CompileModule(ctx, moduleBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return newError(KindBackendUnavailable, "wasm connect", fmt.Errorf("compiling module: %w", err))
	}

	w.runtime = rt
	w.compiled = compiled
	w.available = true
	w.logger.Info("wasm backend ready", zap.String("module", w.modulePath))
	return nil
}

// Available reports the recorded Connect outcome; it never re-probes.
func (w *WasmExecutor) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

// Execute instantiates the compiled module with the request mapped onto its
// entry point: command tokens become argv, request env becomes the module
// environment, and stdout/stderr are captured host-side.
func (w *WasmExecutor) Execute(ctx context.Context, req ExecutionRequest, _ IsolationPolicy) (ExecutionResult, error) {
	if len(req.Command) == 0 {
		return ExecutionResult{}, newError(KindInvalidPolicy, "wasm execute", errf("empty command"))
	}

	w.mu.Lock()
	rt, compiled, ok := w.runtime, w.compiled, w.available
	w.mu.Unlock()
	if !ok {
		return ExecutionResult{}, newError(KindBackendUnavailable, "wasm execute", errf("wasm module unavailable"))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdoutBuf, stderrBuf bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("runbox-" + uuid.NewString()[:8]).
		WithArgs(req.Command...).
		WithStdout(&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}).
		WithStderr(&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes})
	for k, v := range req.Env {
		cfg = cfg.WithEnv(k, v)
	}

	w.logger.Debug("wasm execution starting",
		zap.Strings("command", req.Command),
		zap.Duration("timeout", timeout))

	start := time.Now()
	mod, runErr := rt.InstantiateModule(execCtx, compiled, cfg)
	duration := time.Since(start)
	if mod != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
	}

	if execCtx.Err() == context.DeadlineExceeded {
		w.logger.Warn("wasm execution timed out",
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

	exitCode := 0
	if runErr != nil {
		var exitErr *sys.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = int(exitErr.ExitCode())
		} else {
			return ExecutionResult{}, newError(KindInternal, "wasm execute", fmt.Errorf("module trap: %w", runErr))
		}
	}

	return ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Disconnect releases the runtime and compiled module. Safe without a prior
// Connect and safe to call twice.
func (w *WasmExecutor) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.available = false
	if w.runtime == nil {
		return nil
	}
	err := w.runtime.Close(ctx)
	w.runtime = nil
	w.compiled = nil
	return err
}
