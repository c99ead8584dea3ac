package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ble-remote/internal/infra/config"
)

const tracerName = "ble-remote"

// Setup initializes OpenTelemetry tracing and returns a shutdown function.
// When cfg.Enabled is false, a noop TracerProvider is used.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Span attribute keys for session operations.
const (
	AttrDeviceID = attribute.Key("ble.device.id")
	AttrCommand  = attribute.Key("ble.command")
	AttrStatus   = attribute.Key("ble.status")
)

// StartOp starts the span for a session operation on deviceID. The span is
// named "connmgr.<op>".
func StartOp(ctx context.Context, op, deviceID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, AttrDeviceID.String(deviceID))
	return otel.Tracer(tracerName).Start(ctx, "connmgr."+op, trace.WithAttributes(attrs...))
}

// EndOp records the operation's status code and ends the span. A non-nil err
// is recorded on the span; otherwise any code other than 200 marks it failed.
func EndOp(span trace.Span, code int, err error) {
	span.SetAttributes(AttrStatus.Int(code))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case code != 200:
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", code))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
