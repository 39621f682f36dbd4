package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for workflow runs, script backends and recovery.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Node metrics
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	nodeRetries   *prometheus.CounterVec
	nodesInFlight prometheus.Gauge

	// Backend metrics
	backendRuns      *prometheus.CounterVec
	backendDuration  *prometheus.HistogramVec
	backendFallbacks *prometheus.CounterVec

	// Recovery metrics
	recoveryDecisions *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	changesRecorded   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose record methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of workflow runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of workflow runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of workflow runs in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Current number of active workflow runs",
		}),

		nodesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_executed_total",
			Help:      "Total number of workflow nodes finished, by final status",
		}, []string{"node", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of workflow nodes in seconds, including retries",
			Buckets:   buckets,
		}, []string{"node"}),
		nodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retry attempts",
		}, []string{"node"}),
		nodesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_in_flight",
			Help:      "Current number of node handlers executing",
		}),

		backendRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_runs_total",
			Help:      "Total number of script executions per isolation backend",
		}, []string{"backend", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_run_duration_seconds",
			Help:      "Duration of script executions per isolation backend",
			Buckets:   buckets,
		}, []string{"backend"}),
		backendFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_fallbacks_total",
			Help:      "Total number of fallbacks from one isolation backend to another",
		}, []string{"from", "to"}),

		recoveryDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_decisions_total",
			Help:      "Total number of recovery strategy decisions",
		}, []string{"error_type", "strategy"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollback script executions",
		}, []string{"status"}),
		changesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_recorded_total",
			Help:      "Total number of system changes reported by scripts",
		}, []string{"type"}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of errors by error code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.nodesExecuted,
		m.nodeDuration,
		m.nodeRetries,
		m.nodesInFlight,
		m.backendRuns,
		m.backendDuration,
		m.backendFallbacks,
		m.recoveryDecisions,
		m.rollbacks,
		m.changesRecorded,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the Prometheus registry backing the collector, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Node Metrics

// RecordNodeExecution records the final status of a node.
func (m *Metrics) RecordNodeExecution(node, status string, duration time.Duration) {
	if m.nodesExecuted == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(node, status).Inc()
	m.nodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordNodeRetry records a retry of a node.
func (m *Metrics) RecordNodeRetry(node string) {
	if m.nodeRetries == nil {
		return
	}
	m.nodeRetries.WithLabelValues(node).Inc()
}

// AddNodesInFlight adjusts the in-flight handler gauge.
func (m *Metrics) AddNodesInFlight(delta float64) {
	if m.nodesInFlight == nil {
		return
	}
	m.nodesInFlight.Add(delta)
}

// Backend Metrics

// RecordBackendRun records one script execution on an isolation backend.
func (m *Metrics) RecordBackendRun(backend, outcome string, duration time.Duration) {
	if m.backendRuns == nil {
		return
	}
	m.backendRuns.WithLabelValues(backend, outcome).Inc()
	m.backendDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordBackendFallback records a fallback between two backends.
func (m *Metrics) RecordBackendFallback(from, to string) {
	if m.backendFallbacks == nil {
		return
	}
	m.backendFallbacks.WithLabelValues(from, to).Inc()
}

// Recovery Metrics

// RecordRecoveryDecision records a recovery strategy decision.
func (m *Metrics) RecordRecoveryDecision(errorType, strategy string) {
	if m.recoveryDecisions == nil {
		return
	}
	m.recoveryDecisions.WithLabelValues(errorType, strategy).Inc()
}

// RecordRollback records a rollback execution.
func (m *Metrics) RecordRollback(status string) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(status).Inc()
}

// RecordChange records a change reported by a script.
func (m *Metrics) RecordChange(changeType string) {
	if m.changesRecorded == nil {
		return
	}
	m.changesRecorded.WithLabelValues(changeType).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
// It is a no-op when metrics are disabled or no listen address is configured.
// Listener errors are reported on errCh, which may be nil.
func (m *Metrics) StartMetricsServer(errCh chan<- error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errCh != nil {
			errCh <- err
		}
	}()
}

// StopMetricsServer stops the metrics HTTP server if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
