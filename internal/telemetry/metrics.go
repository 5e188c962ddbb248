package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbweber/vmctl/internal/progress"
)

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint;
	// metrics are still collected.
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Namespace string `yaml:"namespace"`
}

// Metrics holds the lifecycle collectors.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	stageDuration     *prometheus.HistogramVec
	waitPolls         *prometheus.CounterVec
	cachedInstances   *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "vmctl"
	}
	buckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Lifecycle operations by backend, operation and result.",
		}, []string{"backend", "op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations, waits included.",
			Buckets:   buckets,
		}, []string{"backend", "op"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of staged creation stages.",
			Buckets:   buckets,
		}, []string{"backend", "stage"}),
		waitPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "wait_polls_total",
			Help:      "Provider probes issued while waiting for a state.",
		}, []string{"backend", "mode"}),
		cachedInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cached_instances",
			Help:      "Instances currently held in the backend cache.",
		}, []string{"backend"}),
	}
	m.registry.MustRegister(m.operations, m.operationDuration, m.stageDuration, m.waitPolls, m.cachedInstances)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation records one lifecycle operation.
func (m *Metrics) ObserveOperation(backend, op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(backend, op, result).Inc()
	m.operationDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

// SetCachedInstances records the size of a backend cache.
func (m *Metrics) SetCachedInstances(backend string, n int) {
	if m == nil {
		return
	}
	m.cachedInstances.WithLabelValues(backend).Set(float64(n))
}

// Emit implements progress.Sink, turning stage and poll events into
// samples.
func (m *Metrics) Emit(e progress.Event) {
	if m == nil {
		return
	}
	switch e.Kind {
	case progress.StageDone, progress.StageFailed:
		m.stageDuration.WithLabelValues(e.Backend, e.Stage).Observe(e.Duration.Seconds())
	case progress.WaitPoll:
		mode, _ := e.Fields["mode"].(string)
		m.waitPolls.WithLabelValues(e.Backend, mode).Inc()
	}
}
