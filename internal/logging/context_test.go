package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_OTELTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("test").Start(context.Background(), "archive")
	defer span.End()

	got := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		got[f.Key] = true
		if f.Key == "trace_id" {
			assert.Equal(t, span.SpanContext().TraceID().String(), f.String)
		}
	}
	assert.True(t, got["trace_id"])
	assert.True(t, got["span_id"])
	assert.True(t, got["trace_sampled"])
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		kept bool
	}{
		{"uuid", "0b6f3c1e-6a8d-4a0e-9c61-7d2d0f1c9a11", true},
		{"underscore", "req_42", true},
		{"empty", "", false},
		{"spaces", "req 42", false},
		{"newline injection", "req\n{\"level\":\"error\"}", false},
		{"too long", strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.id)
			if tt.kept {
				assert.Equal(t, tt.id, RequestIDFromContext(ctx))
				require.Len(t, ContextFields(ctx), 1)
			} else {
				assert.Empty(t, RequestIDFromContext(ctx))
				assert.Empty(t, ContextFields(ctx))
			}
		})
	}
}

func TestContextKey(t *testing.T) {
	fields := ContextKey("ctx-7", "project")

	require.Len(t, fields, 2)
	assert.Equal(t, "context.id", fields[0].Key)
	assert.Equal(t, "ctx-7", fields[0].String)
	assert.Equal(t, "context.scope", fields[1].Key)
	assert.Equal(t, "project", fields[1].String)
}

func TestWithLogger_FromContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)

	assert.Same(t, tl.Logger, FromContext(ctx))

	fallback := FromContext(context.Background())
	require.NotNil(t, fallback)
	fallback.Info(context.Background(), "discarded")
}
