package sandbox

import "time"

// BackendType identifies one isolation mechanism.
type BackendType string

// Supported backends.
const (
	BackendNative    BackendType = "native"
	BackendContainer BackendType = "container"
	BackendWasm      BackendType = "wasm"
)

// ParseBackend converts a configuration string into a BackendType.
func ParseBackend(s string) (BackendType, error) {
	switch BackendType(s) {
	case BackendNative, BackendContainer, BackendWasm:
		return BackendType(s), nil
	default:
		return "", newError(KindInvalidPolicy, "parse backend", errf("unknown backend type: %q", s))
	}
}

// NetworkMode controls the network stack visible to a sandboxed command.
type NetworkMode string

// Supported network modes.
const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
)

// ResourceSpec declares resource limits for one execution.
// Zero values mean "inherit the manager default".
type ResourceSpec struct {
	// MemoryLimit is the hard memory cap in bytes.
	MemoryLimit int64

	// CPUQuota is the fractional CPU count (e.g. 0.5 = half a core).
	CPUQuota float64
}

// NetworkPolicy declares the network isolation for one execution.
type NetworkPolicy struct {
	Mode NetworkMode
}

// Mount maps a host path into a container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ExecutionRequest describes what to run. It is immutable once submitted;
// one request produces exactly one result.
type ExecutionRequest struct {
	// Command is the program and its arguments (e.g. ["echo", "hello"]).
	Command []string

	// Env adds environment variables on top of the backend's base set.
	Env map[string]string

	// Timeout is the wall-clock limit for the execution. Zero = use the
	// manager default. The timeout is layered on top of the caller's
	// context, so either can terminate the execution.
	Timeout time.Duration

	// WorkingDir overrides the working directory. Empty = backend default
	// (an isolated temp dir for native, the container workdir otherwise).
	WorkingDir string
}

// ExecutionResult captures the outcome of a sandboxed command. A non-zero
// exit code or a timeout is a valid result, not an error — callers must
// inspect ExitCode and TimedOut.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// TimedOut reports that the execution exceeded its timeout and the
	// underlying process or container was forcibly terminated. Stdout and
	// Stderr carry partial output up to the kill point.
	TimedOut bool

	Duration time.Duration
}

// ContainerState tracks a pooled container through its lifecycle:
// created → idle ⇄ in-use → destroyed.
type ContainerState string

// Pooled container states.
const (
	StateIdle      ContainerState = "idle"
	StateInUse     ContainerState = "in-use"
	StateDestroyed ContainerState = "destroyed"
)

// PooledContainer is a warm container owned by the ContainerPool. Executors
// hold only a borrowed reference for the duration of one execution and must
// either release it or destroy it.
type PooledContainer struct {
	// ID is the pool-assigned container name, stable across the container's
	// lifetime and used for all runtime operations.
	ID string

	Image      string
	State      ContainerState
	LastUsedAt time.Time

	spec ContainerSpec
}
