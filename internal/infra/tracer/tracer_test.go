package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	for _, cfg := range []config.TracerConfig{{Enabled: false}, {Enabled: true, Exporter: "noop"}} {
		shutdown, err := Setup(context.Background(), cfg)
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
		assert.IsType(t, noop.TracerProvider{}, otel.GetTracerProvider())
	}
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout", SampleRatio: 0.5})
	require.NoError(t, err)
	defer shutdown(context.Background())
	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
}

func TestSetupOTLP(t *testing.T) {
	// The gRPC exporter connects lazily, so setup succeeds without a collector.
	shutdown, err := Setup(context.Background(), config.TracerConfig{
		Enabled: true, Exporter: "otlp", Endpoint: "127.0.0.1:4317", Insecure: true,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func record(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartStateAndTask(t *testing.T) {
	rec := record(t)

	ctx, state := StartState(context.Background(), "req-1", "Remediating", 2)
	_, task := StartTask(ctx, domain.Task{RequestID: "req-1", Target: "1", Kind: domain.TaskConfigure})
	End(task, nil)
	End(state, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "router.Dispatch", spans[0].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, "1", attrs(spans[0])[KeyDeviceID].AsString())
	assert.Equal(t, "configure", attrs(spans[0])[KeyTaskKind].AsString())

	assert.Equal(t, "remediation.Remediating", spans[1].Name())
	assert.Equal(t, int64(2), attrs(spans[1])[KeyAttempt].AsInt64())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestEndRecordsErrorCode(t *testing.T) {
	rec := record(t)

	_, span := StartSpan(context.Background(), "inventory")
	End(span, domain.NewSubSystemError("inventory", "ResolveDevice", domain.ErrNotFound, "R7"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, string(domain.CodeDeviceNotInInventory), attrs(spans[0])[KeyErrorCode].AsString())
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}
