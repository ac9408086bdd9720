package integration

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/sandbox"
)

func integrationConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Logging: config.LoggingConfig{
			Mode:  "development",
			Level: "debug",
		},
		Sandbox: config.SandboxConfig{
			Backend:   "native",
			Fallback:  []string{},
			Image:     "alpine:3.20",
			TimeoutMs: 10000,
			Memory:    "128m",
			CPUs:      1.0,
			Network:   "none",
			Pool:      config.PoolConfig{MaxSize: 2, IdleTimeoutMs: 60000},
		},
	}
}

// TestIntegrationConfigLoggerManager tests the wiring between config, logger
// and the sandbox manager
func TestIntegrationConfigLoggerManager(t *testing.T) {
	t.Run("ConfigAndLoggerIntegration", func(t *testing.T) {
		cfg := integrationConfig()

		testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)
		require.NotNil(t, testLogger)

		testLogger.Info("Integration test started")
		_ = testLogger.Sync()
	})

	t.Run("ManagerCreation", func(t *testing.T) {
		cfg := integrationConfig()
		testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)

		mgr, err := sandbox.NewManager(testLogger, cfg)
		require.NoError(t, err)
		require.NotNil(t, mgr)

		require.NoError(t, mgr.Initialize(context.Background()))
		require.NoError(t, mgr.Shutdown(context.Background()))
	})

	t.Run("FullMCPIntegration", func(t *testing.T) {
		cfg := integrationConfig()
		mcpLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)

		mgr, err := sandbox.NewManager(mcpLogger, cfg)
		require.NoError(t, err)

		server, err := mcpserver.New(cfg, mcpLogger, mgr)
		require.NoError(t, err)
		require.NotNil(t, server)
		require.NotNil(t, server.GetMCPServer())

		require.NoError(t, mgr.Shutdown(context.Background()))
	})
}

// TestIntegrationNativeExecution runs a real command end to end through the
// manager on the native backend
func TestIntegrationNativeExecution(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("native backend requires a POSIX shell")
	}

	cfg := integrationConfig()
	mgr, err := sandbox.NewManager(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
	})

	t.Run("Echo", func(t *testing.T) {
		result, err := mgr.Execute(context.Background(), sandbox.ExecutionRequest{
			Command: []string{"echo", "integration"},
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, "integration\n", result.Stdout)
		assert.Equal(t, 0, result.ExitCode)
		assert.False(t, result.TimedOut)
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		result, err := mgr.Execute(context.Background(), sandbox.ExecutionRequest{
			Command: []string{"sh", "-c", "exit 3"},
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, 3, result.ExitCode)
	})

	t.Run("Timeout", func(t *testing.T) {
		result, err := mgr.Execute(context.Background(), sandbox.ExecutionRequest{
			Command: []string{"sleep", "30"},
			Timeout: 300 * time.Millisecond,
		}, nil)
		require.NoError(t, err)

		assert.True(t, result.TimedOut)
		assert.Equal(t, -1, result.ExitCode)
	})
}

// TestIntegrationContainerExecution runs a real command in a pooled Docker
// container. Skipped when no container engine daemon is reachable.
func TestIntegrationContainerExecution(t *testing.T) {
	cfg := integrationConfig()
	cfg.Sandbox.Backend = "container"
	cfg.Sandbox.Fallback = []string{}

	mgr, err := sandbox.NewManager(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
	})

	if !mgr.DockerAvailable() {
		t.Skip("container engine daemon not reachable")
	}

	result, err := mgr.Execute(context.Background(), sandbox.ExecutionRequest{
		Command: []string{"echo", "from-container"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "from-container\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)

	// A second execution reuses the warm container and is materially faster
	// than a cold create; just assert correctness here.
	result, err = mgr.Execute(context.Background(), sandbox.ExecutionRequest{
		Command: []string{"sh", "-c", "echo $HOME >/dev/null; exit 5"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.ExitCode)
}
