// Package debug serves the optional localhost diagnostics endpoint:
// prometheus metrics, a JSON stats API backed by the dispatch loop's
// memory reports, and health probes.
package debug
