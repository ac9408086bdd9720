package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Sandbox: SandboxConfig{
			Backend:   "container",
			Fallback:  []string{"native"},
			Image:     "alpine:3.20",
			TimeoutMs: 30000,
			Memory:    "512m",
			CPUs:      1.0,
			Network:   "none",
			Pool: PoolConfig{
				MaxSize:       8,
				IdleTimeoutMs: 300000,
			},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		err := validConfig().Validate()
		require.NoError(t, err)
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "grpc"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.transport")
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "firecracker"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.backend")
	})

	t.Run("UnsupportedFallbackEntry", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Fallback = []string{"native", "chroot"}

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.fallback")
	})

	t.Run("InvalidTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.TimeoutMs = 0

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.timeout_ms must be positive")
	})

	t.Run("NegativeCPUs", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.CPUs = -0.5

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.cpus must not be negative")
	})

	t.Run("InvalidMemory", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Memory = "lots"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid sandbox.memory")
	})

	t.Run("EmptyMemoryMeansNoLimit", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Memory = ""

		require.NoError(t, cfg.Validate())
		assert.Equal(t, int64(0), cfg.MemoryBytes())
	})

	t.Run("InvalidNetwork", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Network = "host"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid sandbox.network")
	})

	t.Run("InvalidPoolMaxSize", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Pool.MaxSize = 0

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.pool.max_size must be positive")
	})

	t.Run("NegativePoolIdleTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Pool.IdleTimeoutMs = -1

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.pool.idle_timeout_ms must not be negative")
	})
}

func TestConfigHelpers(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 30*time.Second, cfg.GetTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetIdleTimeout())
	assert.Equal(t, int64(512*1024*1024), cfg.MemoryBytes())
}

func TestConfigNewDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "production", cfg.Logging.Mode)
	assert.Equal(t, "container", cfg.Sandbox.Backend)
	assert.Equal(t, []string{"native"}, cfg.Sandbox.Fallback)
	assert.Equal(t, "alpine:3.20", cfg.Sandbox.Image)
	assert.Equal(t, 30000, cfg.Sandbox.TimeoutMs)
	assert.Equal(t, "512m", cfg.Sandbox.Memory)
	assert.Equal(t, 1.0, cfg.Sandbox.CPUs)
	assert.Equal(t, "none", cfg.Sandbox.Network)
	assert.Equal(t, 8, cfg.Sandbox.Pool.MaxSize)
	assert.Equal(t, 300000, cfg.Sandbox.Pool.IdleTimeoutMs)
	assert.Equal(t, "", cfg.Sandbox.Wasm.ModulePath)
}

func TestConfigNewReadsFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	t.Chdir(dir)

	doc := map[string]any{
		"server": map[string]any{
			"transport": "http",
			"http_port": 9090,
		},
		"sandbox": map[string]any{
			"backend":  "native",
			"fallback": []string{},
			"image":    "debian:bookworm",
			"memory":   "256m",
			"env": map[string]string{
				"LANG": "C.UTF-8",
			},
			"pool": map[string]any{
				"max_size": 2,
			},
		},
	}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), raw, 0o644))

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "native", cfg.Sandbox.Backend)
	assert.Equal(t, "debian:bookworm", cfg.Sandbox.Image)
	assert.Equal(t, "256m", cfg.Sandbox.Memory)
	assert.Equal(t, "C.UTF-8", cfg.Sandbox.Env["LANG"])
	assert.Equal(t, 2, cfg.Sandbox.Pool.MaxSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30000, cfg.Sandbox.TimeoutMs)
	assert.Equal(t, "none", cfg.Sandbox.Network)
}

func TestConfigNewRejectsInvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	t.Chdir(dir)

	raw := []byte("sandbox:\n  backend: firecracker\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), raw, 0o644))

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation error")
}
