package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TestInitOTel_Disabled tests that InitOTel returns nil when disabled
func TestInitOTel_Disabled(t *testing.T) {
	ctx := context.Background()
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled: false,
	}

	providers, err := InitOTel(ctx, cfg, logger)

	assert.NoError(t, err)
	assert.Nil(t, providers)
}

// TestInitOTel_UnreachableEndpoint tests InitOTel with an unreachable endpoint.
// OTLP exporters do not dial at creation time, so this still succeeds; failures
// only surface when exporting.
func TestInitOTel_UnreachableEndpoint(t *testing.T) {
	ctx := context.Background()
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       "invalid-endpoint:9999",
		ServiceName:    "turnstile-api",
		ServiceVersion: "1.0.0",
		Insecure:       true,
	}

	providers, err := InitOTel(ctx, cfg, logger)

	require.NoError(t, err)
	require.NotNil(t, providers)
	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = providers.Shutdown(shutdownCtx, logger)
}

func TestInitOTel_SetsGlobalProviders(t *testing.T) {
	ctx := context.Background()
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       "localhost:4317",
		ServiceName:    "turnstile-reconciler",
		ServiceVersion: "1.0.0",
		Insecure:       true,
	}

	providers, err := InitOTel(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx, logger)
	}()

	assert.Equal(t, providers.TracerProvider, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetTextMapPropagator())

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}

func TestSampler(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  string
	}{
		{"zero samples everything", 0, sdktrace.AlwaysSample().Description()},
		{"one samples everything", 1, sdktrace.AlwaysSample().Description()},
		{"negative samples everything", -0.5, sdktrace.AlwaysSample().Description()},
		{"above one samples everything", 2, sdktrace.AlwaysSample().Description()},
		{"ratio is parent based", 0.25, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampler(tt.ratio).Description())
		})
	}
}

func TestOTelProviders_Shutdown(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	t.Run("nil providers", func(t *testing.T) {
		var providers *OTelProviders
		err := providers.Shutdown(context.Background(), logger)
		assert.NoError(t, err)
	})

	t.Run("nil inner providers", func(t *testing.T) {
		providers := &OTelProviders{}
		err := providers.Shutdown(context.Background(), logger)
		assert.NoError(t, err)
	})

	t.Run("with tracer provider", func(t *testing.T) {
		providers := &OTelProviders{
			TracerProvider: sdktrace.NewTracerProvider(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := providers.Shutdown(ctx, logger)
		assert.NoError(t, err)
	})

	t.Run("canceled context does not hang", func(t *testing.T) {
		providers := &OTelProviders{
			TracerProvider: sdktrace.NewTracerProvider(),
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// Shutdown with an already-canceled context may error, but must
		// not panic or hang.
		_ = providers.Shutdown(ctx, logger)
	})
}

func TestUpdateLoggerWithTraceContext_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	updatedLogger := UpdateLoggerWithTraceContext(context.Background(), logger)
	require.NotNil(t, updatedLogger)

	updatedLogger.Info("no span")
	entry := parseLogLine(t, &buf)

	_, hasTrace := entry.Fields["trace_id"]
	assert.False(t, hasTrace, "no trace fields expected without a span")
}

func TestUpdateLoggerWithTraceContext_WithSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	tracer := tp.Tracer("test-tracer")

	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "test-span")
	defer span.End()

	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	updatedLogger := UpdateLoggerWithTraceContext(ctx, logger)
	require.NotNil(t, updatedLogger)

	updatedLogger.Info("with span")
	entry := parseLogLine(t, &buf)

	traceID, ok := entry.Fields["trace_id"].(string)
	require.True(t, ok, "expected trace_id field")
	assert.NotEmpty(t, traceID)

	spanID, ok := entry.Fields["span_id"].(string)
	require.True(t, ok, "expected span_id field")
	assert.NotEmpty(t, spanID)
}

func TestUpdateLoggerWithTraceContext_NonRecordingSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
	tracer := tp.Tracer("test-tracer")

	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "test-span")
	defer span.End()

	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	updatedLogger := UpdateLoggerWithTraceContext(ctx, logger)
	require.NotNil(t, updatedLogger)

	updatedLogger.Info("sampled out")
	entry := parseLogLine(t, &buf)

	_, hasTrace := entry.Fields["trace_id"]
	assert.False(t, hasTrace, "non-recording span must not add trace fields")
}

func TestUpdateLoggerWithTraceContext_PreservesExistingFields(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	tracer := tp.Tracer("test-tracer")

	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "test-span")
	defer span.End()

	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf).WithField("tenant_id", 42)

	updatedLogger := UpdateLoggerWithTraceContext(ctx, logger)
	updatedLogger.Info("enriched")

	entry := parseLogLine(t, &buf)
	assert.Equal(t, float64(42), entry.Fields["tenant_id"])
	assert.Contains(t, entry.Fields, "trace_id")
}

func TestOTelConfig_ZeroValue(t *testing.T) {
	var cfg OTelConfig

	assert.False(t, cfg.Enabled)
	assert.Empty(t, cfg.Endpoint)
	assert.Zero(t, cfg.SampleRatio)
}
