// Package metrics holds the Prometheus collectors shared by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codemechanic"

var (
	// HTTPRequests counts requests by route pattern, method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"route", "method", "status"})

	// HTTPDuration measures request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"route", "method"})

	// ExecutionSessions counts sessions that reached a terminal status.
	ExecutionSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "sessions_total",
		Help:      "Execution sessions by terminal status.",
	}, []string{"status"})

	// Operations counts applied file operations.
	// Labels: type (create, update, delete, rename), result (ok, warning, error)
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "operations_total",
		Help:      "File operations by type and result.",
	}, []string{"type", "result"})

	// LLMCalls counts provider calls by provider and result (ok, error).
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "LLM calls by provider and result.",
	}, []string{"provider", "result"})

	// LLMTokens counts tokens by provider and direction (input, output).
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "LLM tokens by provider and direction.",
	}, []string{"provider", "direction"})

	// LLMLatency measures provider call latency.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "LLM call latency in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"provider"})

	// PipelineJobs counts build and deploy jobs by kind and final status.
	PipelineJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Build and deploy jobs by kind and status.",
	}, []string{"kind", "status"})

	// WorkerJobsInFlight tracks background jobs currently running.
	WorkerJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_in_flight",
		Help:      "Background jobs currently running.",
	})

	// EventsDropped counts events not delivered to a full subscriber.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber was not keeping up.",
	})
)
