// Package metrics holds the Prometheus collectors shared by the API and the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portraitd_http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portraitd_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	CreditAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portraitd_credit_admissions_total",
			Help: "Credit ledger decisions by outcome.",
		},
		[]string{"outcome"},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portraitd_provider_attempts_total",
			Help: "Provider attempts by provider, mode and outcome.",
		},
		[]string{"provider", "mode", "outcome"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portraitd_provider_attempt_duration_seconds",
			Help:    "Wall time of one provider attempt, polling included.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"provider", "mode"},
	)

	PollIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portraitd_poll_iterations_total",
			Help: "Async task status queries by provider and observed state.",
		},
		[]string{"provider", "state"},
	)

	CaptionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portraitd_caption_fallbacks_total",
		Help: "Captions replaced by the default because every backend failed.",
	})

	CaptionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portraitd_caption_cache_hits_total",
		Help: "Captions served from the in-process cache.",
	})

	RecordWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portraitd_record_write_failures_total",
		Help: "Generation records lost after a successful upload.",
	})

	Jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portraitd_jobs_total",
			Help: "Finished generation jobs by terminal status.",
		},
		[]string{"status"},
	)
)
