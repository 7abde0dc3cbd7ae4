// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 180}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_upstream_requests_total{dialect,outcome}
	upstreamRequests *prometheus.CounterVec

	// gateway_upstream_duration_seconds{dialect,outcome}: time to headers
	upstreamDuration *prometheus.HistogramVec

	// gateway_relayed_bytes_total{dialect}
	relayedBytes *prometheus.CounterVec

	// gateway_auth_failures_total
	authFailures prometheus.Counter

	// gateway_translation_errors_total
	translationErrors prometheus.Counter

	// gateway_key_rotations_total{status}
	keyRotations *prometheus.CounterVec

	// gateway_key_rotation_sync_errors_total
	rotationSyncErrors prometheus.Counter

	// gateway_key_pool_size / gateway_key_pool_index
	keyPoolSize  prometheus.Gauge
	keyPoolIndex prometheus.Gauge

	// gateway_upstream_health{prober}: 1=ok, 0=degraded
	upstreamHealth *prometheus.GaugeVec

	// gateway_build_info{version,dialect}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds until the response headers are written",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_requests_total",
				Help: "Upstream calls by outcome (success, http_<status>, connection_error)",
			},
			[]string{"dialect", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Time until upstream response headers were received",
				Buckets: durationBuckets,
			},
			[]string{"dialect", "outcome"},
		),

		relayedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_relayed_bytes_total",
				Help: "Upstream body bytes streamed to clients",
			},
			[]string{"dialect"},
		),

		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Requests rejected for a missing or wrong gateway key",
		}),

		translationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_translation_errors_total",
			Help: "Requests rejected because the body could not be translated",
		}),

		keyRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_rotations_total",
				Help: "Backend key rotations by triggering upstream status",
			},
			[]string{"status"},
		),

		rotationSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_key_rotation_sync_errors_total",
			Help: "Rotations that could not be written to the shared cursor",
		}),

		keyPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_key_pool_size",
			Help: "Number of backend keys in the pool",
		}),

		keyPoolIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_key_pool_index",
			Help: "Position of the active backend key",
		}),

		upstreamHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_upstream_health",
				Help: "Upstream readiness probe result (1=ok, 0=degraded)",
			},
			[]string{"prober"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version", "dialect"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.upstreamRequests,
		r.upstreamDuration,
		r.relayedBytes,
		r.authFailures,
		r.translationErrors,
		r.keyRotations,
		r.rotationSyncErrors,
		r.keyPoolSize,
		r.keyPoolIndex,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstream records one upstream call.
func (r *Registry) ObserveUpstream(dialect, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(dialect, outcome).Inc()
	r.upstreamDuration.WithLabelValues(dialect, outcome).Observe(dur.Seconds())
}

func (r *Registry) AddRelayedBytes(dialect string, n int64) {
	if n > 0 {
		r.relayedBytes.WithLabelValues(dialect).Add(float64(n))
	}
}

func (r *Registry) RecordAuthFailure()      { r.authFailures.Inc() }
func (r *Registry) RecordTranslationError() { r.translationErrors.Inc() }

// RecordRotation counts one rotation and publishes the new cursor position.
func (r *Registry) RecordRotation(status int, index int, syncFailed bool) {
	r.keyRotations.WithLabelValues(strconv.Itoa(status)).Inc()
	r.keyPoolIndex.Set(float64(index))
	if syncFailed {
		r.rotationSyncErrors.Inc()
	}
}

func (r *Registry) SetKeyPool(size, index int) {
	r.keyPoolSize.Set(float64(size))
	r.keyPoolIndex.Set(float64(index))
}

func (r *Registry) SetUpstreamHealth(prober string, ok bool) {
	if ok {
		r.upstreamHealth.WithLabelValues(prober).Set(1)
		return
	}
	r.upstreamHealth.WithLabelValues(prober).Set(0)
}

func (r *Registry) SetBuildInfo(version, dialect string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version, dialect).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
