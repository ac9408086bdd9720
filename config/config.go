package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the execution engine configuration: the preferred
// backend, its fallback chain, and the default isolation policy merged
// under every call-site policy.
type SandboxConfig struct {
	Backend   string            `mapstructure:"backend"`
	Fallback  []string          `mapstructure:"fallback"`
	Image     string            `mapstructure:"image"`
	TimeoutMs int               `mapstructure:"timeout_ms"`
	Memory    string            `mapstructure:"memory"`
	CPUs      float64           `mapstructure:"cpus"`
	Network   string            `mapstructure:"network"`
	Env       map[string]string `mapstructure:"env"`
	Pool      PoolConfig        `mapstructure:"pool"`
	Wasm      WasmConfig        `mapstructure:"wasm"`
}

// PoolConfig bounds the warm-container pool
type PoolConfig struct {
	MaxSize       int `mapstructure:"max_size"`
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms"`
}

// WasmConfig locates the precompiled WASI module for the wasm backend
type WasmConfig struct {
	ModulePath string `mapstructure:"module_path"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.backend", "container")
	viper.SetDefault("sandbox.fallback", []string{"native"})
	viper.SetDefault("sandbox.image", "alpine:3.20")
	viper.SetDefault("sandbox.timeout_ms", 30000)
	viper.SetDefault("sandbox.memory", "512m")
	viper.SetDefault("sandbox.cpus", 1.0)
	viper.SetDefault("sandbox.network", "none")

	viper.SetDefault("sandbox.pool.max_size", 8)
	viper.SetDefault("sandbox.pool.idle_timeout_ms", 300000)

	viper.SetDefault("sandbox.wasm.module_path", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// Validate ensures the configuration is valid. An invalid configuration is
// unrecoverable: no manager instance can be built from it.
func (c *Config) Validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		"native":    true,
		"container": true,
		"wasm":      true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}
	for _, fb := range c.Sandbox.Fallback {
		if !supportedBackends[fb] {
			return fmt.Errorf("unsupported sandbox.fallback entry: %s", fb)
		}
	}

	if c.Sandbox.TimeoutMs <= 0 {
		return fmt.Errorf("sandbox.timeout_ms must be positive, got: %d", c.Sandbox.TimeoutMs)
	}
	if c.Sandbox.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative, got: %v", c.Sandbox.CPUs)
	}
	if c.Sandbox.Memory != "" {
		if _, err := units.RAMInBytes(c.Sandbox.Memory); err != nil {
			return fmt.Errorf("invalid sandbox.memory %q: %w", c.Sandbox.Memory, err)
		}
	}
	if c.Sandbox.Network != "none" && c.Sandbox.Network != "bridge" {
		return fmt.Errorf("invalid sandbox.network: %s, must be 'none' or 'bridge'", c.Sandbox.Network)
	}

	if c.Sandbox.Pool.MaxSize <= 0 {
		return fmt.Errorf("sandbox.pool.max_size must be positive, got: %d", c.Sandbox.Pool.MaxSize)
	}
	if c.Sandbox.Pool.IdleTimeoutMs < 0 {
		return fmt.Errorf("sandbox.pool.idle_timeout_ms must not be negative, got: %d", c.Sandbox.Pool.IdleTimeoutMs)
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutMs) * time.Millisecond
}

// GetIdleTimeout returns the pool idle eviction timeout as a duration
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.Pool.IdleTimeoutMs) * time.Millisecond
}

// MemoryBytes returns the default memory limit in bytes. Validate must have
// passed; an unparseable value here returns zero (no limit).
func (c *Config) MemoryBytes() int64 {
	if c.Sandbox.Memory == "" {
		return 0
	}
	n, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return 0
	}
	return n
}
