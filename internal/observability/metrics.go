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
	ActiveTasks    prometheus.Gauge
	TasksTotal     *prometheus.CounterVec
	ItemsProcessed *prometheus.CounterVec
	QuotaDenials   *prometheus.CounterVec
	QuotaRefunds   prometheus.Counter
	EngineLatency  prometheus.Histogram
	EngineErrors   *prometheus.CounterVec
	WSClients      prometheus.Gauge
	ArchiveErrors  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of tasks currently queued or processing.",
		}),
		TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by kind and terminal status.",
		}, []string{"kind", "status"}),
		ItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Batch items processed by outcome.",
		}, []string{"outcome"}),
		QuotaDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denials_total",
			Help:      "Denied generation requests by reason.",
		}, []string{"reason"}),
		QuotaRefunds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_refund_points_total",
			Help:      "Quota points returned through cancellations and failures.",
		}),
		EngineLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_latency_ms",
			Help:      "Image generation latency in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}),
		EngineErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Engine failures by provider and kind.",
		}, []string{"provider", "kind"}),
		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected task event stream clients.",
		}),
		ArchiveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Best-effort archive writes that failed.",
		}),
	}
}

func (m *Metrics) ObserveEngineLatency(d time.Duration) {
	m.EngineLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
