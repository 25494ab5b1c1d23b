// Package metrics provides Prometheus instrumentation for the cache proxy.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts client requests by operation and final result.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_requests_total",
			Help: "Total cache requests processed",
		},
		[]string{"op", "result"},
	)

	// RequestDuration observes end-to-end request latency by operation.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheproxy_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// ActiveRequests tracks the number of in-flight client requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheproxy_active_requests",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// DestinationRequests counts backend calls by destination and result.
	DestinationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_destination_requests_total",
			Help: "Total requests sent to backend destinations",
		},
		[]string{"destination", "result"},
	)

	// DestinationDuration observes backend call latency by destination.
	DestinationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheproxy_destination_duration_seconds",
			Help:    "Backend call latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"destination"},
	)

	// FailoverAttempts counts attempts past the first target by route.
	FailoverAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_failover_attempts_total",
			Help: "Total failover attempts after the first target failed",
		},
		[]string{"route"},
	)

	// FailoverExhausted counts requests that failed on every allowed target.
	FailoverExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_failover_exhausted_total",
			Help: "Total requests that exhausted every failover target",
		},
		[]string{"route"},
	)

	// RateLimitRejections counts admission rejections by route, op class and reason.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting or load shedding",
		},
		[]string{"route", "class", "reason"},
	)

	// CongestionSendProbability exposes the controller's current send probability.
	CongestionSendProbability = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheproxy_congestion_send_probability",
			Help: "Probability that a request is admitted by congestion control",
		},
	)

	// CongestionWeightedValue exposes the smoothed load estimate.
	CongestionWeightedValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheproxy_congestion_weighted_value",
			Help: "Smoothed load signal observed by congestion control",
		},
	)

	// CongestionDroppedSamples counts samples dropped because the queue was full.
	CongestionDroppedSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheproxy_congestion_dropped_samples_total",
			Help: "Total load samples dropped on a full queue",
		},
	)

	// TkoState exposes the health state per destination (0=healthy, 1=tko, 2=probing).
	TkoState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cacheproxy_tko_state",
			Help: "Destination health state (0=healthy, 1=tko, 2=probing)",
		},
		[]string{"destination"},
	)

	// TkoTransitions counts health state transitions per destination.
	TkoTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_tko_transitions_total",
			Help: "Total destination health state transitions",
		},
		[]string{"destination", "from", "to"},
	)

	// Markdowns tracks the number of manual hard-TKO markdowns in effect.
	Markdowns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheproxy_markdowns",
			Help: "Number of destinations manually marked down",
		},
	)

	// Outstanding tracks in-flight backend calls per destination.
	Outstanding = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cacheproxy_outstanding_requests",
			Help: "Current in-flight backend requests per destination",
		},
		[]string{"destination"},
	)

	// OutstandingRejections counts requests rejected because a destination
	// had too many requests in flight.
	OutstandingRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_outstanding_rejections_total",
			Help: "Total requests rejected by the outstanding-requests limit",
		},
		[]string{"destination"},
	)

	// CompressionBytes counts bytes in and out of codecs.
	CompressionBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_compression_bytes_total",
			Help: "Bytes passed through compression codecs",
		},
		[]string{"codec", "direction"},
	)

	// CompressionErrors counts codec failures by codec and operation.
	CompressionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_compression_errors_total",
			Help: "Total compression and decompression failures",
		},
		[]string{"codec", "op"},
	)

	// ConfigReloads counts config reload attempts by outcome.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"outcome"},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_admin_auth_failures_total",
			Help: "Total admin API authentication failures",
		},
		[]string{"reason"},
	)
)

// Collectors returns every collector in this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		DestinationRequests,
		DestinationDuration,
		FailoverAttempts,
		FailoverExhausted,
		RateLimitRejections,
		CongestionSendProbability,
		CongestionWeightedValue,
		CongestionDroppedSamples,
		TkoState,
		TkoTransitions,
		Markdowns,
		Outstanding,
		OutstandingRejections,
		CompressionBytes,
		CompressionErrors,
		ConfigReloads,
		AuthFailures,
	}
}

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(Collectors()...)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
