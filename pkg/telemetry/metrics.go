package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine. A disabled Metrics
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandRetries   *prometheus.CounterVec

	playbookTransitions *prometheus.CounterVec
	activePlaybooks     prometheus.Gauge

	policyDenials *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
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

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of command results accepted by the engine",
			},
			[]string{"kind", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of command execution including retries",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		commandRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_retries_total",
				Help:      "Total number of command retry attempts",
			},
			[]string{"kind"},
		),

		playbookTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playbook_transitions_total",
				Help:      "Total number of playbook state transitions by target state",
			},
			[]string{"state"},
		),
		activePlaybooks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_playbooks",
				Help:      "Current number of scheduled or running playbooks",
			},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of playbooks rejected by policy",
			},
			[]string{"policy"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of engine errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.commandsExecuted,
		m.commandDuration,
		m.commandRetries,
		m.playbookTransitions,
		m.activePlaybooks,
		m.policyDenials,
		m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordCommand records one accepted command result.
func (m *Metrics) RecordCommand(kind, status string, duration time.Duration, retries int) {
	if m.commandsExecuted == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(kind, status).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if retries > 0 {
		m.commandRetries.WithLabelValues(kind).Add(float64(retries))
	}
}

// RecordPlaybookTransition records a playbook entering state. Entering
// scheduled raises the active gauge; entering a terminal state from an
// active one lowers it.
func (m *Metrics) RecordPlaybookTransition(state string, started, finished bool) {
	if m.playbookTransitions == nil {
		return
	}
	m.playbookTransitions.WithLabelValues(state).Inc()
	if started {
		m.activePlaybooks.Inc()
	}
	if finished {
		m.activePlaybooks.Dec()
	}
}

// RecordPolicyDenial records a playbook rejected by a policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// RecordError records an engine error code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes the metrics endpoint until ctx is done. It returns nil
// immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
