// Package dev provides the development server and hot reload functionality.
//
// This package implements:
//   - File watching with glob patterns and debounced batches
//   - Single-flight incremental rebuilds through the bundler
//   - Static file serving from the content bases with SPA fallback
//   - WebSocket-based browser refresh and an error overlay
//   - Prometheus metrics for the session
//
// # Architecture
//
// A dev Session consists of several components:
//
//   - Watcher: reports changed files matching the watch globs
//   - Coordinator: rebuilds every target one build at a time
//   - FileServer: serves whatever is on disk, never waiting on a build
//   - ReloadServer: notifies browsers on Port+1 via WebSocket
//   - ssr.Task: restarts the server bundle in the ssg and ssr modes
//
// # Usage
//
//	session, err := dev.NewSession(dev.SessionOptions{
//	    Config:   cfg,
//	    Bundler:  bundler.NewEsbuild(logger),
//	    Compiler: c,
//	})
//	if err != nil {
//	    return err
//	}
//	return session.Run(ctx)
//
// # Hot Reload Protocol
//
// Pages load BootstrapPath, which connects to ws://host:Port+1/.
// Messages are JSON-encoded:
//
//	{"type": "reload"}                // Triggers full page reload
//	{"type": "error", "error": "..."} // Shows error overlay
//	{"type": "clear"}                 // Clears error overlay
package dev
