package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitequery_queries_total",
			Help: "Total queries by terminal state",
		},
		[]string{"state"}, // complete, partial, failed, cancelled
	)

	BackendSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sitequery_backend_search_duration_seconds",
			Help: "Duration of retrieval backend searches",
		},
		[]string{"backend"},
	)

	BackendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitequery_backend_failures_total",
			Help: "Retrieval backend calls that errored or timed out",
		},
		[]string{"backend"},
	)

	EvaluationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitequery_evaluation_calls_total",
			Help: "LLM evaluation calls by kind and outcome",
		},
		[]string{"kind", "outcome"}, // kind: decontextualize, relevance, memory, tool, rank
	)

	FastTrackSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitequery_fast_track_suppressed_total",
			Help: "Fast-track result batches discarded after reconciliation",
		},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitequery_stream_messages_total",
			Help: "Stream messages emitted by type",
		},
		[]string{"type"},
	)
)
