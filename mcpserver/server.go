// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// execution engine over the protocol. It uses the mark3labs/mcp-go library to
// handle the protocol details and provides the execute_command tool as the
// primary interface for sandboxed command execution.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/sandbox"
)

// CommandExecutor is the slice of the sandbox manager the server needs.
type CommandExecutor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest, policy *sandbox.IsolationPolicy) (sandbox.ExecutionResult, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  CommandExecutor
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor CommandExecutor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Strings("sandbox.fallback", cfg.Sandbox.Fallback),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Int("sandbox.timeout_ms", cfg.Sandbox.TimeoutMs),
		zap.String("sandbox.memory", cfg.Sandbox.Memory),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.String("sandbox.network", cfg.Sandbox.Network),
		zap.Int("sandbox.pool.max_size", cfg.Sandbox.Pool.MaxSize),
		zap.Int("sandbox.pool.idle_timeout_ms", cfg.Sandbox.Pool.IdleTimeoutMs),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("runbox-executor", "A sandboxed command execution server")

	// Register the execute_command tool
	s.registerExecuteCommandTool()

	return s, nil
}

// registerExecuteCommandTool registers the execute_command tool
func (s *MCPServer) registerExecuteCommandTool() {
	tool := mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a command in a sandboxed environment",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Program and arguments to execute",
				},
				"env": map[string]any{
					"type":        "object",
					"description": "Extra environment variables (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Wall-clock timeout in milliseconds (optional)",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Working directory override (optional)",
				},
				"backend": map[string]any{
					"type":        "string",
					"description": "Isolation backend",
					"enum":        []string{"native", "container", "wasm"},
				},
				"image": map[string]any{
					"type":        "string",
					"description": "Container image (container backend only, optional)",
				},
				"network": map[string]any{
					"type":        "string",
					"description": "Network mode",
					"enum":        []string{"none", "bridge"},
				},
			},
			Required: []string{"command"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCommand)
}

// executeResponse is the JSON shape returned to the MCP client.
type executeResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// handleExecuteCommand handles the execute_command tool
func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	command, err := stringSlice(args["command"])
	if err != nil || len(command) == 0 {
		return nil, fmt.Errorf("command parameter must be a non-empty array of strings")
	}

	req := sandbox.ExecutionRequest{
		Command:    command,
		WorkingDir: request.GetString("working_dir", ""),
	}
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	if env, ok := args["env"].(map[string]any); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("env value for %q must be a string", k)
			}
			req.Env[k] = str
		}
	}

	var policy sandbox.IsolationPolicy
	if backend := request.GetString("backend", ""); backend != "" {
		t, parseErr := sandbox.ParseBackend(backend)
		if parseErr != nil {
			return nil, parseErr
		}
		policy.Type = t
	}
	policy.Image = request.GetString("image", "")
	policy.Network.Mode = sandbox.NetworkMode(request.GetString("network", ""))

	s.logger.Info("command execution requested",
		zap.Strings("command", command),
		zap.String("backend", string(policy.Type)))

	result, err := s.executor.Execute(ctx, req, &policy)
	if err != nil {
		s.logger.Error("sandbox execution failed",
			zap.Error(err),
			zap.String("kind", string(sandbox.KindOf(err))),
			zap.Strings("command", command))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Execution failed (%s): %v", sandbox.KindOf(err), err),
				},
			},
			IsError: true,
		}, nil
	}

	s.logger.Info("command execution completed",
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	payload, err := json.Marshal(executeResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		TimedOut:   result.TimedOut,
		DurationMs: result.Duration.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element")
		}
		out = append(out, s)
	}
	return out, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
