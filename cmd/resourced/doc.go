// Package main is the entry point for the resourced daemon.
//
// resourced is the resource-loading subsystem of the EmberWeb browser:
// it owns HTTP(S), file, data, blob and WebSocket fetching, the HTTP
// cache, cookie jars, HSTS and credential state for the public and
// private browsing profiles. Consumers drive it through the dispatch
// package's channel protocol; this binary wires the subsystem together
// and runs it standalone with the optional localhost debug surface.
//
// Configuration:
//   - TOML file via -config (optional)
//   - RESOURCED_* environment variables override the file
//   - Defaults suitable for development
//
// Usage:
//
//	# Environment-driven
//	./resourced
//
//	# Explicit config file, development logging
//	./resourced -config resourced.toml -dev
//
// Signals:
//   - SIGINT, SIGTERM: flush profile state, stop workers, exit
package main
