package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soba_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soba_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soba_generations_total",
			Help: "Generation requests by final outcome.",
		},
		[]string{"outcome"},
	)

	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soba_inference_duration_seconds",
			Help:    "Time from prediction submit to terminal status.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"status"},
	)

	QuotaReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soba_quota_reservations_total",
			Help: "Quota reservation attempts by result.",
		},
		[]string{"result"},
	)

	HoldingChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soba_holding_checks_total",
			Help: "Token holding verifications by source and result.",
		},
		[]string{"source", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GenerationsTotal,
		InferenceDuration,
		QuotaReservationsTotal,
		HoldingChecksTotal,
	)
}
