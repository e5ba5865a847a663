package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts API requests by route, method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsink_http_requests_total",
		Help: "Total HTTP requests served by the ingest API",
	}, []string{"route", "method", "status"})

	// HTTPDuration tracks request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsink_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// RateLimited counts requests rejected by the per-token limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsink_rate_limited_total",
		Help: "Requests rejected by the per-application rate limiter",
	})

	// JobsProcessed counts jobs by class and final outcome.
	// outcome: ok, dropped, dead, swallowed, requeued
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsink_jobs_processed_total",
		Help: "Background jobs processed by class and outcome",
	}, []string{"class", "outcome"})

	// JobDuration tracks handler runtime per job class.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsink_job_duration_seconds",
		Help:    "Job handler execution time by class",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
	}, []string{"class"})

	// JobRetries counts retry attempts by class.
	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsink_job_retries_total",
		Help: "Job retry attempts by class",
	}, []string{"class"})

	// DeadLetters counts jobs parked on the dead letter list.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsink_dead_letters_total",
		Help: "Jobs moved to the dead letter list after exhausting retries",
	}, []string{"class"})

	// QueueDepth tracks the pending job backlog.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsink_queue_depth",
		Help: "Current number of jobs waiting in the queue",
	}, []string{"queue"})

	// ReconcilerRuns counts reconciler passes by kind and result.
	// result: clean, repaired, error
	ReconcilerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsink_reconciler_runs_total",
		Help: "Reconciler passes by kind and result",
	}, []string{"kind", "result"})

	// CountersRaised counts counter repairs applied by RebuildCounters.
	CountersRaised = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsink_counters_raised_total",
		Help: "Number counters raised to match durable storage",
	})

	// SearchRequests counts calls against the search engine by operation
	// and outcome. outcome: ok, error
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsink_search_requests_total",
		Help: "Search engine calls by operation and outcome",
	}, []string{"op", "outcome"})
)
