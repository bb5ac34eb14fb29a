package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for workflow executions.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	activeExecutions    prometheus.Gauge

	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskRetries  *prometheus.CounterVec

	pluginCalls    *prometheus.CounterVec
	pluginErrors   *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec

	errorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "toscaflow"
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "execution",
			Name:      "started_total",
			Help:      "Total number of workflow executions started",
		}, []string{"workflow"}),
		executionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "execution",
			Name:      "completed_total",
			Help:      "Total number of workflow executions by final status",
		}, []string{"workflow", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Duration of workflow executions in seconds",
			Buckets:   buckets,
		}, []string{"workflow", "status"}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "execution",
			Name:      "active",
			Help:      "Number of executions currently running",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "task",
			Name:      "total",
			Help:      "Total number of task state changes by kind and status",
		}, []string{"kind", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Duration of task attempts in seconds",
			Buckets:   buckets,
		}, []string{"interface", "operation", "status"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "task",
			Name:      "retries_total",
			Help:      "Total number of task retries",
		}, []string{"interface", "operation"}),
		pluginCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "plugin",
			Name:      "calls_total",
			Help:      "Total number of plugin operation calls",
		}, []string{"plugin", "function"}),
		pluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "plugin",
			Name:      "errors_total",
			Help:      "Total number of failed plugin operation calls",
		}, []string{"plugin", "function", "kind"}),
		pluginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "plugin",
			Name:      "duration_seconds",
			Help:      "Duration of plugin operation calls in seconds",
			Buckets:   buckets,
		}, []string{"plugin", "function"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of errors by component and class",
		}, []string{"component", "class"}),
	}

	collectors := []prometheus.Collector{
		m.executionsStarted, m.executionsCompleted, m.executionDuration, m.activeExecutions,
		m.tasksTotal, m.taskDuration, m.taskRetries,
		m.pluginCalls, m.pluginErrors, m.pluginDuration,
		m.errorsTotal,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordExecutionStarted records the start of a workflow execution.
func (m *Metrics) RecordExecutionStarted(workflow string) {
	if m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(workflow).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records the end of a workflow execution.
func (m *Metrics) RecordExecutionCompleted(workflow, status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(workflow, status).Inc()
	m.executionDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordTaskStatus counts a task entering a status.
func (m *Metrics) RecordTaskStatus(kind, status string) {
	if m.tasksTotal == nil {
		return
	}
	m.tasksTotal.WithLabelValues(kind, status).Inc()
}

// RecordTaskDuration records the duration of one task attempt.
func (m *Metrics) RecordTaskDuration(iface, operation, status string, duration time.Duration) {
	if m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(iface, operation, status).Observe(duration.Seconds())
}

// RecordTaskRetry records a task being scheduled for another attempt.
func (m *Metrics) RecordTaskRetry(iface, operation string) {
	if m.taskRetries == nil {
		return
	}
	m.taskRetries.WithLabelValues(iface, operation).Inc()
}

// RecordPluginCall records a plugin operation call. errKind is empty on success.
func (m *Metrics) RecordPluginCall(plugin, function, errKind string, duration time.Duration) {
	if m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, function).Inc()
	m.pluginDuration.WithLabelValues(plugin, function).Observe(duration.Seconds())
	if errKind != "" {
		m.pluginErrors.WithLabelValues(plugin, function, errKind).Inc()
	}
}

// RecordError records an error by component and class.
func (m *Metrics) RecordError(component, class string) {
	if m.errorsTotal == nil {
		return
	}
	m.errorsTotal.WithLabelValues(component, class).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
