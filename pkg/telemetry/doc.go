// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry) and metrics (Prometheus) for the panel.
//
// A process builds everything once from its settings:
//
//	tel, err := telemetry.New(&settings.Telemetry)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
// New installs the logger behind github.com/rs/zerolog/log and the tracer
// provider behind otel.Tracer, so packages log and trace without holding
// a reference to Telemetry. Metrics implements engine.Observer and
// billing.Observer and is passed to the orchestrator and the billing
// service explicitly.
//
// File log output is rotated with lumberjack.
package telemetry
