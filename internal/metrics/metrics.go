package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_chat_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "persona_chat_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "route"},
	)

	// CompletionOutcomes counts provider replies by outcome:
	// "ok", "degenerate" or "provider_error".
	CompletionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_chat_completions_total",
			Help: "Completion provider calls by outcome",
		},
		[]string{"outcome"},
	)

	CompletionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "persona_chat_completion_latency_seconds",
			Help: "Completion provider latency in seconds",
		},
	)

	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_chat_classifications_total",
			Help: "User messages by selected context block",
		},
		[]string{"intent"},
	)

	AudioOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_chat_audio_operations_total",
			Help: "Audio bridge operations by result",
		},
		[]string{"operation", "result"},
	)

	AudioCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persona_chat_audio_cache_entries",
			Help: "Synthesized replies currently held for download",
		},
	)
)
