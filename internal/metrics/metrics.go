// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationRequests counts study-guide requests by outcome:
	// "hit", "miss", "coalesced".
	GenerationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "berea",
		Subsystem: "study",
		Name:      "generation_requests_total",
		Help:      "Study guide requests by cache outcome.",
	}, []string{"outcome"})

	// LLMLatency tracks wall time of individual provider completion attempts.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "berea",
		Subsystem: "llm",
		Name:      "attempt_duration_seconds",
		Help:      "Latency of single LLM completion attempts.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20},
	}, []string{"provider"})

	// LLMAttempts counts completion attempts by provider and result:
	// "ok", "malformed", "transient", "refused", "error".
	LLMAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "berea",
		Subsystem: "llm",
		Name:      "attempts_total",
		Help:      "LLM completion attempts by provider and result.",
	}, []string{"provider", "result"})

	// TokenOps counts ledger mutations: "consume", "refund", "purchase".
	TokenOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "berea",
		Subsystem: "tokens",
		Name:      "operations_total",
		Help:      "Token ledger operations by kind.",
	}, []string{"op"})

	// WebhookEvents counts payment webhook deliveries by event type and
	// result: "applied", "ignored", "rejected".
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "berea",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Payment webhook deliveries by event and result.",
	}, []string{"event", "result"})

	// HTTPRequests counts served requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "berea",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status class.",
	}, []string{"route", "status"})
)
