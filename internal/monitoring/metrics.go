package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the resource daemon.
type Metrics struct {
	// Fetch metrics
	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	ResponseBytes *prometheus.HistogramVec
	ActiveFetches prometheus.Gauge
	RedirectsTotal prometheus.Counter
	RetriesTotal   prometheus.Counter

	// Cache metrics
	CacheLookups   *prometheus.CounterVec
	CacheSizeBytes *prometheus.GaugeVec
	CacheEntries   *prometheus.GaugeVec
	CacheEvictions *prometheus.CounterVec

	// Cookie metrics
	CookiesStored   *prometheus.GaugeVec
	CookieEvictions *prometheus.CounterVec

	// Dispatch metrics
	DispatchMessages *prometheus.CounterVec

	// Worker pool metrics
	PoolTasksTotal *prometheus.CounterVec
	PoolBusy       prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for the debug JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the debug JSON API.
type Snapshot struct {
	TotalFetches  int64   `json:"total_fetches"`
	TotalErrors   int64   `json:"total_errors"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	ActiveFetches int64   `json:"active_fetches"`
	TotalDuration float64 `json:"total_duration_seconds"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a metrics collector on the given registerer.
// Tests pass a fresh registry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// Fetch metrics
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resourced_fetches_total",
				Help: "Total number of fetches by profile, scheme and outcome",
			},
			[]string{"profile", "scheme", "outcome"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resourced_fetch_duration_seconds",
				Help:    "Fetch duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"scheme"},
		),
		ResponseBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resourced_response_bytes",
				Help:    "Response body size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"scheme"},
		),
		ActiveFetches: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "resourced_fetches_active",
				Help: "Number of fetches currently in flight",
			},
		),
		RedirectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "resourced_redirects_total",
				Help: "Total number of redirect hops followed",
			},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "resourced_retries_total",
				Help: "Total number of idempotent request retries",
			},
		),

		// Cache metrics
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resourced_cache_lookups_total",
				Help: "Cache lookups by profile and result (hit, miss, revalidated)",
			},
			[]string{"profile", "result"},
		),
		CacheSizeBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resourced_cache_size_bytes",
				Help: "Bytes held by the HTTP cache",
			},
			[]string{"profile"},
		),
		CacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resourced_cache_entries",
				Help: "Entries held by the HTTP cache",
			},
			[]string{"profile"},
		),
		CacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resourced_cache_evictions_total",
				Help: "Cache evictions by profile and reason (lru, clear, failed, replaced)",
			},
			[]string{"profile", "reason"},
		),

		// Cookie metrics
		CookiesStored: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resourced_cookies_stored",
				Help: "Cookies currently stored per profile",
			},
			[]string{"profile"},
		),
		CookieEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resourced_cookie_evictions_total",
				Help: "Cookies evicted by per-domain or total bounds",
			},
			[]string{"profile"},
		),

		// Dispatch metrics
		DispatchMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resourced_dispatch_messages_total",
				Help: "Control messages handled by the dispatch loop",
			},
			[]string{"profile", "type"},
		),

		// Worker pool metrics
		PoolTasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resourced_pool_tasks_total",
				Help: "Worker pool tasks by status (done, rejected, failed)",
			},
			[]string{"status"},
		),
		PoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "resourced_pool_busy",
				Help: "Worker pool tasks currently executing",
			},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "resourced_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resourced_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "resourced_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	return m
}

// RecordFetch records a completed fetch.
func (m *Metrics) RecordFetch(profile, scheme, outcome string, duration time.Duration, respBytes int64) {
	m.FetchesTotal.WithLabelValues(profile, scheme, outcome).Inc()
	m.FetchDuration.WithLabelValues(scheme).Observe(duration.Seconds())
	m.ResponseBytes.WithLabelValues(scheme).Observe(float64(respBytes))

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalFetches++
	m.snapshot.TotalDuration += duration.Seconds()
	if outcome == "error" {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// FetchStarted marks a fetch as in flight.
func (m *Metrics) FetchStarted() {
	m.ActiveFetches.Inc()
	m.mu.Lock()
	m.snapshot.ActiveFetches++
	m.mu.Unlock()
}

// FetchFinished marks a fetch as no longer in flight.
func (m *Metrics) FetchFinished() {
	m.ActiveFetches.Dec()
	m.mu.Lock()
	m.snapshot.ActiveFetches--
	m.mu.Unlock()
}

// RecordCacheLookup records a cache lookup result.
func (m *Metrics) RecordCacheLookup(profile, result string) {
	m.CacheLookups.WithLabelValues(profile, result).Inc()

	m.mu.Lock()
	switch result {
	case "hit":
		m.snapshot.CacheHits++
	case "miss":
		m.snapshot.CacheMisses++
	}
	m.mu.Unlock()
}

// RecordCacheEviction records a cache eviction.
func (m *Metrics) RecordCacheEviction(profile, reason string) {
	m.CacheEvictions.WithLabelValues(profile, reason).Inc()
}

// SetCacheUsage sets the cache size gauges for a profile.
func (m *Metrics) SetCacheUsage(profile string, bytes int64, entries int) {
	m.CacheSizeBytes.WithLabelValues(profile).Set(float64(bytes))
	m.CacheEntries.WithLabelValues(profile).Set(float64(entries))
}

// SetCookiesStored sets the stored-cookie gauge for a profile.
func (m *Metrics) SetCookiesStored(profile string, count int) {
	m.CookiesStored.WithLabelValues(profile).Set(float64(count))
}

// RecordCookieEviction records a cookie eviction.
func (m *Metrics) RecordCookieEviction(profile string) {
	m.CookieEvictions.WithLabelValues(profile).Inc()
}

// RecordDispatchMessage records a handled control message.
func (m *Metrics) RecordDispatchMessage(profile, msgType string) {
	m.DispatchMessages.WithLabelValues(profile, msgType).Inc()
}

// RecordPoolTask records a worker pool task outcome.
func (m *Metrics) RecordPoolTask(status string) {
	m.PoolTasksTotal.WithLabelValues(status).Inc()
}

// RecordRedirect records one followed redirect hop.
func (m *Metrics) RecordRedirect() {
	m.RedirectsTotal.Inc()
}

// RecordRetry records one retried request.
func (m *Metrics) RecordRetry() {
	m.RetriesTotal.Inc()
}

// RecordWSMessage records a WebSocket message.
func (m *Metrics) RecordWSMessage(direction string) {
	m.WSMessages.WithLabelValues(direction).Inc()
}

// IncWSConnections increments WebSocket connections.
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections.
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// UpdateUptime refreshes the uptime gauge. Called from the debug
// server and the memory reporter rather than a dedicated ticker.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// GetSnapshot returns current metric values for the debug JSON API.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}
