package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the blueprint engine.
// All methods are safe to call on a nil or disabled collector.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	rejections        *prometheus.CounterVec
	strayCallbacks    *prometheus.CounterVec

	// Handler metrics
	handlerCalls    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec

	// Worker metrics
	activeWorkers   prometheus.Gauge
	workerRecovered prometheus.Counter

	// Network reservation metrics
	reservations    *prometheus.CounterVec
	poolUtilization *prometheus.GaugeVec

	// Notification metrics
	notifications *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of sessions started",
			},
			[]string{"type", "operation"},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of sessions that reached a terminal outcome",
			},
			[]string{"type", "operation", "outcome"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Time from submission to terminal outcome in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "operation", "outcome"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_rejected_total",
				Help:      "Total number of sessions rejected before execution",
			},
			[]string{"type", "code"},
		),
		strayCallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stray_callbacks_total",
				Help:      "Total number of callbacks that matched no suspended session",
			},
			[]string{"type"},
		),

		handlerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_calls_total",
				Help:      "Total number of handler invocations",
			},
			[]string{"type", "handler", "list", "status"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Duration of handler invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "list"},
		),

		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Current number of running instance workers",
			},
		),
		workerRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_recoveries_total",
				Help:      "Total number of dead workers recreated from persisted documents",
			},
		),

		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "address_reservations_total",
				Help:      "Total number of address range reservation attempts",
			},
			[]string{"network", "result"},
		),
		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_addresses_reserved",
				Help:      "Addresses currently reserved per network pool",
			},
			[]string{"network", "pool"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of requester notifications by delivery status",
			},
			[]string{"outcome", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.rejections,
		m.strayCallbacks,
		m.handlerCalls,
		m.handlerDuration,
		m.activeWorkers,
		m.workerRecovered,
		m.reservations,
		m.poolUtilization,
		m.notifications,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Session Metrics

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted(blueprintType, operation string) {
	if !m.enabled() {
		return
	}
	m.sessionsStarted.WithLabelValues(blueprintType, operation).Inc()
}

// RecordSessionCompleted records a terminal outcome and the time since submission.
func (m *Metrics) RecordSessionCompleted(blueprintType, operation, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sessionsCompleted.WithLabelValues(blueprintType, operation, outcome).Inc()
	m.sessionDuration.WithLabelValues(blueprintType, operation, outcome).Observe(duration.Seconds())
}

// RecordRejection records a session refused before execution.
func (m *Metrics) RecordRejection(blueprintType, code string) {
	if !m.enabled() {
		return
	}
	m.rejections.WithLabelValues(blueprintType, code).Inc()
}

// RecordStrayCallback records a callback that matched no suspended session.
func (m *Metrics) RecordStrayCallback(blueprintType string) {
	if !m.enabled() {
		return
	}
	m.strayCallbacks.WithLabelValues(blueprintType).Inc()
}

// Handler Metrics

// RecordHandler records one handler invocation.
func (m *Metrics) RecordHandler(blueprintType, handler, list, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.handlerCalls.WithLabelValues(blueprintType, handler, list, status).Inc()
	m.handlerDuration.WithLabelValues(blueprintType, list).Observe(duration.Seconds())
}

// Worker Metrics

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if !m.enabled() {
		return
	}
	m.activeWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func (m *Metrics) WorkerStopped() {
	if !m.enabled() {
		return
	}
	m.activeWorkers.Dec()
}

// RecordWorkerRecovery counts a dead worker replaced by a fresh one.
func (m *Metrics) RecordWorkerRecovery() {
	if !m.enabled() {
		return
	}
	m.workerRecovered.Inc()
}

// Network Metrics

// RecordReservation records the result of a range reservation attempt.
func (m *Metrics) RecordReservation(network, result string) {
	if !m.enabled() {
		return
	}
	m.reservations.WithLabelValues(network, result).Inc()
}

// SetPoolReserved sets the number of reserved addresses of a pool.
func (m *Metrics) SetPoolReserved(network, pool string, reserved float64) {
	if !m.enabled() {
		return
	}
	m.poolUtilization.WithLabelValues(network, pool).Set(reserved)
}

// Notification Metrics

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(outcome, status string) {
	if !m.enabled() {
		return
	}
	m.notifications.WithLabelValues(outcome, status).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a dedicated HTTP server to expose metrics.
// It does nothing when no listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
