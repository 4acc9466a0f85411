/*
Package monitoring provides Prometheus metrics for the resource daemon.

# Overview

Tracks fetch outcomes, cache effectiveness, cookie jar usage, dispatch
loop traffic, worker pool load and WebSocket activity.

# Usage

	metrics := monitoring.NewMetrics()

	metrics.FetchStarted()
	// ... run the fetch ...
	metrics.RecordFetch("public", "https", "done", elapsed, bytes)
	metrics.FetchFinished()

Tests construct an isolated collector:

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())

# Metrics Endpoint

The debug server exposes the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
