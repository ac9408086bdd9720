// Package main is the entry point for the runbox MCP server.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/sandbox"
)

func newManager(log *zap.Logger, cfg *config.Config) (*sandbox.SandboxManager, error) {
	return sandbox.NewManager(log, cfg)
}

func newServer(cfg *config.Config, log *zap.Logger, mgr *sandbox.SandboxManager) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, mgr)
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Sandbox manager (executors, pool, fallback chain)
			newManager,

			// MCP Server
			newServer,
		),

		// Tie manager lifecycle to the app and start the configured transport
		fx.Invoke(
			func(lc fx.Lifecycle, cfg *config.Config, mgr *sandbox.SandboxManager, srv *mcpserver.MCPServer) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						if err := mgr.Initialize(ctx); err != nil {
							return err
						}
						switch cfg.Server.Transport {
						case "stdio":
							go func() {
								if err := srv.ServeStdio(); err != nil {
									panic(err)
								}
							}()
						case "http":
							go func() {
								if err := srv.ServeHTTP(); err != nil {
									panic(err)
								}
							}()
						default:
							return &unsupportedTransportError{transport: cfg.Server.Transport}
						}
						return nil
					},
					OnStop: func(ctx context.Context) error {
						return mgr.Shutdown(ctx)
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

type unsupportedTransportError struct {
	transport string
}

func (e *unsupportedTransportError) Error() string {
	return "unsupported transport: " + e.transport
}
