// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "Total time taken for relayed requests in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300, 600},
		},
		[]string{"provider", "mode"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_time_to_first_byte_seconds",
			Help:    "Time from request start to the first upstream byte in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
		},
		[]string{"provider", "mode"},
	)

	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_attempts_total",
			Help: "Upstream attempts by final attempt state",
		},
		[]string{"provider", "state"},
	)

	Stalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_stalls_total",
			Help: "Upstream streams abandoned because no bytes arrived in time",
		},
		[]string{"provider", "phase"},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_fallbacks_total",
			Help: "Requests moved from a fast path provider to the default provider",
		},
		[]string{"from"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_request_count_total",
			Help: "Total number of relay sessions by outcome",
		},
		[]string{"provider", "mode", "outcome"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_prompt_tokens_total",
			Help: "Total number of prompt tokens reported by providers",
		},
		[]string{"model"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_completion_tokens_total",
			Help: "Total number of completion tokens reported by providers",
		},
		[]string{"model"},
	)

	DroppedChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_dropped_chunks_total",
			Help: "Malformed stream chunks dropped during aggregation",
		},
		[]string{"provider"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_error_count",
			Help: "Error count",
		},
		[]string{"provider", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
