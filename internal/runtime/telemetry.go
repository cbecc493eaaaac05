package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

type shutdownFunc func(context.Context) error

// setupTelemetry installs the global tracer and meter providers. The returned
// handler serves Prometheus metrics and is nil when the exporter could not be
// created.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceInstanceID(cfg.Node.ID),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("loqa.sound.extractor", cfg.Model.Extractor),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, name, err := spanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("span exporter: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch name {
	case "otlp":
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	case "stdout":
		traceOpts = append(traceOpts, sdktrace.WithSyncer(exporter))
	}
	tracer := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracer)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var handler http.Handler
	if reader, err := prometheus.New(prometheus.WithNamespace("loqa_sound")); err != nil {
		logger.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
	} else {
		metricOpts = append(metricOpts, sdkmetric.WithReader(reader))
		handler = promhttp.Handler()
	}
	meter := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(meter)

	logger.Info("telemetry initialized",
		slog.String("span_exporter", name),
		slog.Bool("prometheus", handler != nil))

	return joinShutdown(meter.Shutdown, tracer.Shutdown), handler, nil
}

// spanExporter picks where spans go: the OTLP collector when one is
// configured, stdout while debugging, otherwise nowhere.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp", err
	}
	if strings.EqualFold(cfg.LogLevel, "debug") {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	return nil, "none", nil
}

func joinShutdown(fns ...shutdownFunc) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range fns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
