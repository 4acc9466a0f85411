// Package config provides configuration management for the resource daemon.
//
// Configuration is layered: built-in defaults, then an optional TOML file,
// then RESOURCED_* environment variables.
//
// Configuration Sections:
//   - Profiles: persistence directories for the public/private profiles
//   - Cache: HTTP cache capacity
//   - Cookies: jar bounds
//   - Fetch: redirect/retry/concurrency limits, user agent
//   - RateLimit: outbound request rate limiting
//   - Workers: blocking-I/O pool sizing and shutdown timeout
//   - Debug: localhost debug/metrics server
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("cache capacity %d MiB\n", cfg.Cache.CapacityMB)
//
// Environment Variables:
//   - RESOURCED_PROFILE_PUBLIC_DIR, RESOURCED_PROFILE_PRIVATE_DIR
//   - RESOURCED_CACHE_CAPACITY_MB
//   - RESOURCED_COOKIES_PER_DOMAIN, RESOURCED_COOKIES_TOTAL
//   - RESOURCED_FETCH_MAX_REDIRECTS, RESOURCED_FETCH_MAX_RETRIES
//   - RESOURCED_LOG_LEVEL, RESOURCED_LOG_DEV
package config
