package bootstrap

import (
	"context"
	"fmt"

	"intelvault/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// InitTracing installs the global tracer provider. With tracing disabled the
// otel no-op provider stays in place and the returned shutdown does nothing.
func InitTracing(cfg *config.Config, sugar *zap.SugaredLogger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Tracing.Enabled {
		return noop, nil
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.Tracing.ServiceName),
		)),
	}
	if cfg.Tracing.Exporter == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return noop, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	sugar.Infow("Tracing enabled",
		"service", cfg.Tracing.ServiceName,
		"sample_ratio", cfg.Tracing.SampleRatio,
		"exporter", cfg.Tracing.Exporter)
	return tp.Shutdown, nil
}
