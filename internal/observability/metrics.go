package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Conversations     prometheus.Gauge
	TurnsAppended     *prometheus.CounterVec
	ChatRequests      *prometheus.CounterVec
	CompletionLatency prometheus.Histogram
	SummaryJobs       *prometheus.CounterVec
	SummaryLatency    prometheus.Histogram
	PersistenceErrors *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Conversations: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations",
			Help:      "Number of conversations tracked in memory.",
		}),
		TurnsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns appended to chat histories by instruction set.",
		}, []string{"instruction"}),
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		CompletionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_seconds",
			Help:      "Latency of completion backend calls in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		SummaryJobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_jobs_total",
			Help:      "Background summarization jobs by outcome.",
		}, []string{"status"}),
		SummaryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summary_latency_seconds",
			Help:      "Latency of summarization backend calls in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		PersistenceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Durable record save/load failures by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveCompletionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveSummaryLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SummaryLatency.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
