// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for human readability
//
// Subsystems derive named children so every line carries its origin:
//
//	log := logging.NewDefault().Named("dispatch")
//	log.Info("loop started", zap.String("profile", "public"))
package logging
