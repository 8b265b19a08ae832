// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with a Trace level below Debug, dual output to
// stdout and an OpenTelemetry log provider, context correlation fields,
// encoder-level redaction of event content, and level-aware sampling.
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Components take the underlying *zap.Logger and attach correlation fields:
//
//	ctx = logging.WithRequestID(ctx, requestID)
//	fields := append(logging.ContextFields(ctx), logging.ContextKey(id, scope)...)
//	zl.Info("context archived", fields...)
//
// Output:
//
//	{
//	  "ts": "2026-03-02T10:15:30Z",
//	  "level": "info",
//	  "msg": "context archived",
//	  "trace_id": "abc123",
//	  "request.id": "6f1c...",
//	  "context.id": "ctx-42",
//	  "context.scope": "session"
//	}
//
// Errors are never sampled.
package logging
