package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

// Metrics exposes Prometheus metrics for batches and billing. It satisfies
// engine.Observer and billing.Observer.
type Metrics struct {
	config MetricsConfig

	batches        *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	scripts        *prometheus.CounterVec
	scriptDuration *prometheus.HistogramVec
	sharedActions  *prometheus.CounterVec
	denials        *prometheus.CounterVec

	billsClosed  *prometheus.CounterVec
	closeRetries *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors. A disabled config yields a no-op
// instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "batches_total",
			Help:      "Executed batches by final status",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch execution in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		scripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "scripts_executed_total",
			Help:      "Executed scripts by backend, phase and result",
		}, []string{"backend", "phase", "result"}),
		scriptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "script_duration_seconds",
			Help:      "Duration of script execution in seconds",
			Buckets:   buckets,
		}, []string{"backend", "phase"}),
		sharedActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "shared_actions_total",
			Help:      "Shared service actions fired",
		}, []string{"service"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_denied_total",
			Help:      "Operations blocked by admission policies",
		}, []string{"kind"}),
		billsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bills_closed_total",
			Help:      "Bills closed by type",
		}, []string{"type"}),
		closeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bill_close_retries_total",
			Help:      "Bill closes retried after a numbering conflict",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.batches,
		m.batchDuration,
		m.scripts,
		m.scriptDuration,
		m.sharedActions,
		m.denials,
		m.billsClosed,
		m.closeRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// BatchCompleted records a finished batch.
func (m *Metrics) BatchCompleted(status engine.RunStatus, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.batches.WithLabelValues(string(status)).Inc()
	m.batchDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// ScriptExecuted records one executed unit.
func (m *Metrics) ScriptExecuted(backend string, phase engine.Phase, failed bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	m.scripts.WithLabelValues(backend, string(phase), result).Inc()
	m.scriptDuration.WithLabelValues(backend, string(phase)).Observe(duration.Seconds())
}

func (m *Metrics) SharedActionFired(service string) {
	if !m.enabled() {
		return
	}
	m.sharedActions.WithLabelValues(service).Inc()
}

func (m *Metrics) OperationDenied(kind string) {
	if !m.enabled() {
		return
	}
	m.denials.WithLabelValues(kind).Inc()
}

// BillClosed counts a closed bill.
func (m *Metrics) BillClosed(billType string) {
	if !m.enabled() {
		return
	}
	m.billsClosed.WithLabelValues(billType).Inc()
}

// CloseRetried counts a close attempt that lost a numbering race.
func (m *Metrics) CloseRetried(billType string) {
	if !m.enabled() {
		return
	}
	m.closeRetries.WithLabelValues(billType).Inc()
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Str("path", path).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

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
