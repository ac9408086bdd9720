// Package sandbox provides secure command execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// or semi-trusted commands in isolated environments. It exposes a single
// execution contract over three interchangeable backends — native host
// process, Docker container, and WASM module — selected per call by a
// declarative isolation policy, with transparent fallback when the preferred
// backend is unavailable. Container executions reuse warm containers through
// a bounded, image-keyed pool.
package sandbox
