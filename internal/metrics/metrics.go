package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ProviderAttempts  *prometheus.CounterVec
	RetryWaitSeconds  *prometheus.HistogramVec
	Fallbacks         *prometheus.CounterVec
	Generations       *prometheus.CounterVec
	GenerationSeconds *prometheus.HistogramVec
	QuotaRejections   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ProviderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "companion",
				Name:      "provider_attempts_total",
				Help:      "Provider transport attempts by model and classified outcome",
			}, []string{"model", "outcome"}),
			RetryWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "companion",
				Name:      "retry_wait_seconds",
				Help:      "Backoff waited before a retry, by outcome that caused it",
				Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
			}, []string{"outcome"}),
			Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "companion",
				Name:      "fallbacks_total",
				Help:      "Requests rerouted from a primary model to its fallback",
			}, []string{"from", "to"}),
			Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "companion",
				Name:      "generations_total",
				Help:      "Public API generations by operation and result",
			}, []string{"operation", "result"}),
			GenerationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "companion",
				Name:      "generation_duration_seconds",
				Help:      "Wall clock time of a public API generation including retries and fallback",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "companion",
				Name:      "quota_rejections_total",
				Help:      "Requests rejected by the per-client hourly quota",
			}),
		}
		prometheus.MustRegister(
			global.ProviderAttempts,
			global.RetryWaitSeconds,
			global.Fallbacks,
			global.Generations,
			global.GenerationSeconds,
			global.QuotaRejections,
		)
	})
	return global
}
