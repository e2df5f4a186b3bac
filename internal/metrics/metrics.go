package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindmap_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mindmap_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindmap_generations_total",
			Help: "Mind map generation requests by source and result.",
		},
		[]string{"source", "result"},
	)

	LLMAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindmap_llm_attempts_total",
			Help: "LLM call attempts by outcome code.",
		},
		[]string{"outcome"},
	)

	LLMInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mindmap_llm_in_flight",
			Help: "LLM calls currently holding a concurrency permit.",
		},
	)

	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindmap_credits_total",
			Help: "Credits moved through the ledger by transaction kind.",
		},
		[]string{"kind"},
	)

	RefundFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindmap_refund_failures_total",
			Help: "Refunds that could not be written and need reconciliation.",
		},
	)

	UploadCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mindmap_upload_cache_entries",
			Help: "File analyses currently held in the upload cache.",
		},
	)

	UploadCacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindmap_upload_cache_evictions_total",
			Help: "Upload cache evictions by reason.",
		},
		[]string{"reason"},
	)

	registerOnce sync.Once
)

// MustRegister 注册全部指标（重复调用无副作用）
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDurationSeconds,
			GenerationsTotal,
			LLMAttemptsTotal,
			LLMInFlight,
			CreditsTotal,
			RefundFailuresTotal,
			UploadCacheEntries,
			UploadCacheEvictionsTotal,
		)
	})
}
