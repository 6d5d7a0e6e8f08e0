package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

const tracerName = "netconverge"

// Span attribute keys shared by the orchestrator and the router.
const (
	KeyRequestID = attribute.Key("netconverge.request_id")
	KeyDeviceID  = attribute.Key("netconverge.device_id")
	KeyTaskKind  = attribute.Key("netconverge.task.kind")
	KeyState     = attribute.Key("netconverge.state")
	KeyAttempt   = attribute.Key("netconverge.attempt")
	KeyErrorCode = attribute.Key("netconverge.error_code")
)

// Setup installs the global TracerProvider and returns its shutdown function.
// Disabled tracing installs a noop provider.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", tracerName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracerConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// sampler samples every request unless a ratio in (0,1) is configured.
// Child spans follow the decision made for the request.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the netconverge tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartState opens the span covering one orchestrator state step.
func StartState(ctx context.Context, requestID, state string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "remediation."+state,
		KeyRequestID.String(requestID),
		KeyState.String(state),
		KeyAttempt.Int(attempt),
	)
}

// StartTask opens the span covering one task executed by a device agent.
func StartTask(ctx context.Context, task domain.Task) (context.Context, trace.Span) {
	return StartSpan(ctx, "router.Dispatch",
		KeyRequestID.String(task.RequestID),
		KeyDeviceID.String(task.Target),
		KeyTaskKind.String(string(task.Kind)),
	)
}

// End finishes span. A non-nil err is recorded with its domain error code.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(KeyErrorCode.String(string(domain.ErrorCodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
