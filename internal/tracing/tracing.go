// Package tracing wires the process-wide OTel SDK TracerProvider. Real
// tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set; without it the
// global tracer stays the no-op default, so every otel.Tracer(...) call
// elsewhere in the tree (httpmw.OtelTracing, probe.Router, the integration
// Executor) is safe to leave unconditional.
package tracing

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "sonde-hub"

// Init registers a real SDK TracerProvider against the global otel package
// when OTEL_EXPORTER_OTLP_ENDPOINT is configured, and returns a shutdown
// func to flush pending spans on exit. When the endpoint is unset, Init is
// a no-op and the returned shutdown func does nothing.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp,
// which takes a bare host:port.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}
