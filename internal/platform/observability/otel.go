package observability

import (
	"context"
	"errors"
	"fmt"

	"agroflow/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ShutdownFunc flushes and stops an SDK provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

func newResource(cfg *config.Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// SetupPropagation installs the W3C trace-context and baggage propagators.
// Bus drivers rely on it to carry trace context in message headers.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// SetupLoggingSDK initializes OpenTelemetry logging. Without an endpoint the
// global logger provider stays no-op.
func SetupLoggingSDK(ctx context.Context, cfg *config.Config) (ShutdownFunc, error) {
	if !cfg.OtelEnabled() {
		return noopShutdown, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(config.CleanEndpoint(cfg.OtelEndpoint)),
		otlploghttp.WithURLPath(config.LogsPath),
		otlploghttp.WithHeaders(cfg.OtelHeaders),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("OTLP log exporter: %w", err)
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
			sdklog.WithExportTimeout(config.ExportTimeout),
			sdklog.WithMaxQueueSize(config.MaxQueueSize),
		)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(loggerProvider)

	return loggerProvider.Shutdown, nil
}

// SetupTracingSDK initializes OpenTelemetry tracing and returns the provider
// that instrumented clients should use.
func SetupTracingSDK(ctx context.Context, cfg *config.Config) (trace.TracerProvider, ShutdownFunc, error) {
	SetupPropagation()

	if !cfg.OtelEnabled() {
		return otel.GetTracerProvider(), noopShutdown, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return otel.GetTracerProvider(), noopShutdown, err
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(config.CleanEndpoint(cfg.OtelEndpoint)),
		otlptracehttp.WithURLPath(config.TracesPath),
		otlptracehttp.WithHeaders(cfg.OtelHeaders),
	)
	if err != nil {
		return otel.GetTracerProvider(), noopShutdown, fmt.Errorf("OTLP trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter,
			sdktrace.WithExportTimeout(config.ExportTimeout),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		)),
	)
	otel.SetTracerProvider(tracerProvider)

	return tracerProvider, tracerProvider.Shutdown, nil
}

// SetupMetricsSDK initializes OpenTelemetry metrics with a periodic OTLP reader.
func SetupMetricsSDK(ctx context.Context, cfg *config.Config) (ShutdownFunc, error) {
	if !cfg.OtelEnabled() {
		return noopShutdown, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(config.CleanEndpoint(cfg.OtelEndpoint)),
		otlpmetrichttp.WithURLPath(config.MetricsPath),
		otlpmetrichttp.WithHeaders(cfg.OtelHeaders),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("OTLP metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	return meterProvider.Shutdown, nil
}

// JoinShutdown runs every shutdown function and joins their errors.
func JoinShutdown(fns ...ShutdownFunc) ShutdownFunc {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range fns {
			if fn != nil {
				err = errors.Join(err, fn(ctx))
			}
		}
		return err
	}
}
