// Package telemetry sets up OpenTelemetry tracing and metrics for ctxvault.
//
// New installs the tracer and meter providers globally, so the archive,
// health, and cleanup packages pick them up through otel.Tracer and
// otel.Meter. Failures degrade to no-op providers instead of stopping the
// process.
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	metrics, err := archive.NewMetrics(tel.Meter(archive.InstrumentationName))
//
// Tests use TestTelemetry, which records spans and metrics in memory.
package telemetry
