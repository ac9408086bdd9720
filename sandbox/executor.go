package sandbox

import (
	"context"
	"io"
)

// maxOutputBytes caps stdout/stderr per stream so chatty commands cannot
// exhaust host memory.
const maxOutputBytes = 1 << 20 // 1 MiB

// Executor is the common contract implemented by every isolation backend.
type Executor interface {
	// Connect probes and initializes the backend. Unavailability is a
	// non-fatal, KindBackendUnavailable error; the availability outcome is
	// recorded for the executor's lifetime rather than re-probed per call.
	Connect(ctx context.Context) error

	// Available reports whether the backend can currently run commands.
	// It never blocks for long and never returns an error.
	Available() bool

	// Execute runs one command under the given policy. Non-zero exit codes
	// and timeouts are successful results; a non-nil error means no
	// execution outcome could be produced at all.
	Execute(ctx context.Context, req ExecutionRequest, policy IsolationPolicy) (ExecutionResult, error)

	// Disconnect releases backend resources. Safe to call without a prior
	// Connect and safe to call twice.
	Disconnect(ctx context.Context) error
}

// limitedWriter stops writing after a byte budget is spent. Excess output
// is silently discarded rather than failing the command.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		return total, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return total, nil
}
