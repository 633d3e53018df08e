package telemetry

import (
	"context"
	"errors"
	"log"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/liyuwei007036/yunjin-sd-api/internal/config"
)

const defaultEndpoint = "http://127.0.0.1:4318"

// ShutdownFunc flushes and stops tracing
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs a global OTLP/HTTP tracer provider when telemetry is enabled.
// When disabled the global no-op provider stays in place.
func Init(ctx context.Context, cfg *config.TelemetryConfig, version string) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}

	ep := cfg.OTLPEndpoint
	if ep == "" {
		ep = defaultEndpoint
	}

	u, err := url.Parse(ep)
	if err != nil {
		return nil, err
	}

	endpoint := u.Host
	if endpoint == "" {
		// host:port without scheme
		endpoint = u.Path
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(exporter, cfg.ServiceName, version)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	log.Printf("Tracing enabled, exporting to %s", endpoint)
	return tp.Shutdown, nil
}

func newTracerProvider(exporter sdktrace.SpanExporter, serviceName, version string) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	), nil
}
