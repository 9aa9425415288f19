// Package observability exposes Prometheus metrics for the tile service.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_stage_duration_seconds",
			Help:    "Duration of tile pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"stage"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of spatial index and cache store calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"upstream", "op"},
	)

	tileCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_results_total",
			Help: "Tile cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	assetReadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_read_failures_total",
			Help: "Source assets that failed to open or decode, by mosaic.",
		},
		[]string{"mosaic"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveStage(stage string, durationSeconds float64) {
	stageDurationSeconds.WithLabelValues(stage).Observe(durationSeconds)
}

func ObserveUpstream(upstream, op string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, op).Observe(durationSeconds)
}

func IncTileCache(outcome string) {
	tileCacheResults.WithLabelValues(outcome).Inc()
}

func IncAssetReadFailure(mosaic string) {
	if mosaic == "" {
		mosaic = "unknown"
	}
	assetReadFailures.WithLabelValues(mosaic).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
