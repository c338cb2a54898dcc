package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackd/stackd/pkg/config"
)

// Metrics provides Prometheus metrics for stackd.
type Metrics struct {
	config MetricsConfig

	// Deploy metrics
	deploysStarted   *prometheus.CounterVec
	deploysCompleted *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec

	// Service metrics
	servicesReady   *prometheus.GaugeVec
	serviceRestarts *prometheus.CounterVec
	serviceExits    *prometheus.CounterVec

	// Probe metrics
	probeAttempts *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activeDeploys prometheus.Gauge

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

		deploysStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_started_total",
				Help:      "Total number of deployment runs started",
			},
			[]string{"stack"},
		),
		deploysCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_completed_total",
				Help:      "Total number of deployment runs completed",
			},
			[]string{"stack", "status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"stack", "status"},
		),

		servicesReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_ready",
				Help:      "Readiness of services (1=ready, 0=not ready)",
			},
			[]string{"stack", "service"},
		),
		serviceRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_restarts_total",
				Help:      "Total number of supervisor restarts per service",
			},
			[]string{"stack", "service"},
		),
		serviceExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_exits_total",
				Help:      "Total number of observed service exits",
			},
			[]string{"stack", "service", "clean"},
		),

		probeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_attempts_total",
				Help:      "Total number of readiness probe attempts",
			},
			[]string{"service", "type", "outcome"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_attempt_duration_seconds",
				Help:      "Duration of readiness probe attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"service", "type"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeDeploys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deploys",
				Help:      "Current number of active deployment runs",
			},
		),
	}

	registry.MustRegister(
		m.deploysStarted,
		m.deploysCompleted,
		m.deployDuration,
		m.servicesReady,
		m.serviceRestarts,
		m.serviceExits,
		m.probeAttempts,
		m.probeDuration,
		m.errorsByClass,
		m.activeDeploys,
	)

	return m, nil
}

// RecordDeployStarted increments the counter for started deploys.
func (m *Metrics) RecordDeployStarted(stack string) {
	if m.deploysStarted == nil {
		return
	}
	m.deploysStarted.WithLabelValues(stack).Inc()
	m.activeDeploys.Inc()
}

// RecordDeployCompleted records a completed deploy with its status and duration.
func (m *Metrics) RecordDeployCompleted(stack, status string, duration time.Duration) {
	if m.deploysCompleted == nil {
		return
	}
	m.deploysCompleted.WithLabelValues(stack, status).Inc()
	m.deployDuration.WithLabelValues(stack, status).Observe(duration.Seconds())
	m.activeDeploys.Dec()
}

// SetServiceReady sets the readiness gauge for one service.
func (m *Metrics) SetServiceReady(stack, service string, ready bool) {
	if m.servicesReady == nil {
		return
	}
	value := 0.0
	if ready {
		value = 1.0
	}
	m.servicesReady.WithLabelValues(stack, service).Set(value)
}

// RecordServiceRestart records a supervisor restart of a service.
func (m *Metrics) RecordServiceRestart(stack, service string) {
	if m.serviceRestarts == nil {
		return
	}
	m.serviceRestarts.WithLabelValues(stack, service).Inc()
}

// RecordServiceExit records an observed service exit.
func (m *Metrics) RecordServiceExit(stack, service string, exitCode int) {
	if m.serviceExits == nil {
		return
	}
	clean := "false"
	if exitCode == 0 {
		clean = "true"
	}
	m.serviceExits.WithLabelValues(stack, service, clean).Inc()
}

// ProbeAttempt records one readiness probe attempt. It satisfies the probe
// registry's attempt observer.
func (m *Metrics) ProbeAttempt(service string, probeType config.ProbeType, ready bool, elapsed time.Duration) {
	if m.probeAttempts == nil {
		return
	}
	outcome := "not_ready"
	if ready {
		outcome = "ready"
	}
	m.probeAttempts.WithLabelValues(service, string(probeType), outcome).Inc()
	m.probeDuration.WithLabelValues(service, string(probeType)).Observe(elapsed.Seconds())
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
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
			// Log error but don't fail the daemon
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
