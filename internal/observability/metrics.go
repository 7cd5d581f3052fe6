package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by the coordinator and the
// worker binaries. Both register against the default registry so a single
// /metrics handler (coordinator) or otel Prometheus exporter (worker) can
// serve them.
type Metrics struct {
	AIMDConcurrency     *prometheus.GaugeVec
	TokenBucketRate     *prometheus.GaugeVec
	BlockEventsTotal    prometheus.Counter
	QuotaConcurrency    *prometheus.GaugeVec
	QuotaQPS            *prometheus.GaugeVec
	TasksPulledTotal    prometheus.Counter
	TasksSubmittedTotal *prometheus.CounterVec
	ProxyChannelHealthy *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics constructs and registers the fleet's Prometheus collectors.
// Registration failures (duplicate collector, e.g. under repeated test
// construction) are swallowed the way a best-effort registry setup would.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		AIMDConcurrency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "aimd",
			Name:      "concurrency_target",
			Help:      "Current AIMD concurrency target per worker.",
		}, []string{"worker_id"}),
		TokenBucketRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "ratelimit",
			Name:      "token_bucket_rate",
			Help:      "Current token bucket refill rate (tokens/sec).",
		}, []string{"worker_id"}),
		BlockEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "coordinator",
			Name:      "block_events_total",
			Help:      "Number of times the coordinator entered the global-block state.",
		}),
		QuotaConcurrency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "coordinator",
			Name:      "quota_concurrency",
			Help:      "Concurrency quota most recently allocated to a worker.",
		}, []string{"worker_id"}),
		QuotaQPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "coordinator",
			Name:      "quota_qps",
			Help:      "QPS quota most recently allocated to a worker.",
		}, []string{"worker_id"}),
		TasksPulledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "tasks",
			Name:      "pulled_total",
			Help:      "Total tasks claimed via /api/tasks/pull.",
		}),
		TasksSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "tasks",
			Name:      "submitted_total",
			Help:      "Total task results submitted, by outcome.",
		}, []string{"outcome"}),
		ProxyChannelHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "proxy",
			Name:      "channel_healthy",
			Help:      "1 if a tunnel channel is currently unblocked, 0 otherwise.",
		}, []string{"worker_id", "channel"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Coordinator HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Coordinator HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	for _, c := range []prometheus.Collector{
		m.AIMDConcurrency, m.TokenBucketRate, m.BlockEventsTotal, m.QuotaConcurrency,
		m.QuotaQPS, m.TasksPulledTotal, m.TasksSubmittedTotal, m.ProxyChannelHealthy,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	} {
		_ = registerer.Register(c)
	}

	return m
}
