// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetrievalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouragboros_retrieval_requests_total",
		Help: "Total number of retrieval calls",
	}, []string{"backend", "status"})

	RetrievalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ouragboros_retrieval_duration_seconds",
		Help:    "Duration of retrieval calls including query embedding",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	RetrievedMatches = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ouragboros_retrieved_matches",
		Help:    "Number of matches returned per retrieval",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 12, 15},
	})

	StreamChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouragboros_llm_stream_chunks_total",
		Help: "Total number of answer chunks streamed",
	}, []string{"model"})

	StreamResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouragboros_llm_streams_total",
		Help: "Answer streams by terminal outcome",
	}, []string{"model", "outcome"})

	ModelPulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouragboros_model_pulls_total",
		Help: "Model pull requests sent to Ollama",
	}, []string{"status"})

	IngestedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ouragboros_ingested_chunks_total",
		Help: "Document chunks written to a vector backend",
	}, []string{"backend"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ouragboros_active_sessions",
		Help: "Number of open websocket sessions",
	})
)
