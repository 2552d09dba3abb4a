package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the memory service.
type Metrics struct {
	TurnsIngested   *prometheus.CounterVec
	SyncOutcomes    *prometheus.CounterVec
	CompressionRuns prometheus.Counter
	TokensSaved     prometheus.Counter
	MemoryFailures  *prometheus.CounterVec
	BreakerOpen     *prometheus.GaugeVec
	ThrottledWrites prometheus.Counter
	AlertsFired     *prometheus.CounterVec
	PromptTokens    prometheus.Histogram
	SubmitLatency   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_ingested_total",
			Help:      "Conversation turns accepted by source.",
		}, []string{"source"}),
		SyncOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_outcomes_total",
			Help:      "Turn submissions by sync status.",
		}, []string{"status"}),
		CompressionRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_runs_total",
			Help:      "History compaction passes.",
		}),
		TokensSaved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_tokens_saved_total",
			Help:      "Estimated tokens reclaimed by compaction.",
		}),
		MemoryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_failures_total",
			Help:      "Recorded memory failures by kind.",
		}, []string{"kind"}),
		BreakerOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "Whether a circuit scope is currently open (1) or not (0).",
		}, []string{"scope"}),
		ThrottledWrites: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_writes_total",
			Help:      "Writes deferred by the per-key debounce.",
		}),
		AlertsFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts emitted by severity.",
		}, []string{"severity"}),
		PromptTokens: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_tokens",
			Help:      "Estimated token size of assembled prompts.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		SubmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_latency_ms",
			Help:      "Turn submission latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}

func (m *Metrics) ObserveSubmitLatency(d time.Duration) {
	m.SubmitLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
