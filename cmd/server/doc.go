// Package main is the entry point for the runbox MCP server.
//
// The runbox server exposes a sandboxed command-execution engine over the
// Model Context Protocol. Commands run under a declarative isolation policy
// in one of three backends — native host process, Docker container, or WASM
// module — with transparent fallback when the preferred backend is
// unavailable and a bounded pool of warm containers for low-latency reuse.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
