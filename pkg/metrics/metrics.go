package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveNodes is the count of nodes currently marked healthy by the
	// liveness loop.
	ActiveNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_active_nodes",
			Help: "Number of nodes currently marked healthy",
		},
	)

	// WebsocketConnections is the count of open terminal-proxy bridges.
	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_websocket_connections",
			Help: "Number of currently open terminal proxy connections",
		},
	)

	// HealthyServices is the per-kind count of managed services the
	// health/restart loop last observed healthy.
	HealthyServices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_healthy_services",
			Help: "Number of healthy managed services by kind",
		},
		[]string{"kind"},
	)

	// ServiceRestartsTotal counts restart attempts made by the service
	// health loop, by kind and outcome.
	ServiceRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_service_restarts_total",
			Help: "Total restart attempts by the service health loop",
		},
		[]string{"kind", "outcome"},
	)

	// FrontdoorRequestsTotal counts every front-door HTTP request.
	FrontdoorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_frontdoor_requests_total",
			Help: "Total number of front-door HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	// FrontdoorRequestDuration observes front-door handler latency.
	FrontdoorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_frontdoor_request_duration_seconds",
			Help:    "Front-door HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// RateLimitedTotal counts requests rejected by the front-door
	// token-bucket limiter, by route class.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_rate_limited_total",
			Help: "Total requests rejected by the front-door rate limiter",
		},
		[]string{"route_class"},
	)

	// LaunchDuration observes launch latency by service kind, from the
	// node launch call through the port-readiness poll (node placement
	// happens before the timer starts).
	LaunchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_launch_duration_seconds",
			Help:    "Time taken to launch a managed service, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// LaunchFailuresTotal counts failed launches by kind and reason.
	LaunchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_launch_failures_total",
			Help: "Total failed service launches by kind and reason",
		},
		[]string{"kind", "reason"},
	)
)

func init() {
	prometheus.MustRegister(ActiveNodes)
	prometheus.MustRegister(WebsocketConnections)
	prometheus.MustRegister(HealthyServices)
	prometheus.MustRegister(ServiceRestartsTotal)
	prometheus.MustRegister(FrontdoorRequestsTotal)
	prometheus.MustRegister(FrontdoorRequestDuration)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(LaunchDuration)
	prometheus.MustRegister(LaunchFailuresTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
