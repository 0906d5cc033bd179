package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one process.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	logCloser io.Closer
}

// New validates cfg, builds every component and installs the logger and
// tracer globally.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	SetGlobal(logger)

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, nil)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   metrics,
		Config:    cfg,
		logCloser: closer,
	}, nil
}

// Shutdown flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.logCloser.Close())
}

// Operation is a traced, timed unit of work with its own logger.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger zerolog.Logger
	start  time.Time
}

// StartOperation opens a span named name and derives a logger carrying the
// operation and trace IDs. The logger is stored in the returned context.
func (t *Telemetry) StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	ctx, span := t.Tracer.Start(ctx, name, attrs...)

	lc := t.Logger.With().Str("operation", name)
	if sc := span.SpanContext(); sc.IsValid() {
		lc = lc.Str("trace_id", sc.TraceID().String())
	}
	logger := lc.Logger()

	return &Operation{
		Ctx:    logger.WithContext(ctx),
		Span:   span,
		Logger: logger,
		start:  time.Now(),
	}
}

// End closes the span and logs the outcome.
func (o *Operation) End(err error) {
	RecordError(o.Span, err)
	o.Span.End()

	ev := o.Logger.Debug()
	if err != nil {
		ev = o.Logger.Error().Err(err)
	}
	ev.Dur("duration", time.Since(o.start)).Msg("Operation finished")
}
