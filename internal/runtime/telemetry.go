package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/signsync/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the process tracer and meter providers.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider
	metrics http.Handler
}

// setupTelemetry installs global providers. Spans are exported over OTLP when
// an endpoint is configured, to stdout as JSON lines when trace_stdout is
// set, and dropped otherwise. Metrics go to a private Prometheus registry.
func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	log := logger.With(slog.String("component", "telemetry"))
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("signsync.node.id", cfg.Node.ID),
			attribute.String("signsync.node.role", cfg.Node.Role),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, kind, err := newSpanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	t := &telemetry{traces: sdktrace.NewTracerProvider(traceOpts...)}
	otel.SetTracerProvider(t.traces)

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = t.traces.Shutdown(ctx)
		return nil, err
	}
	t.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(t.meters)
	t.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	log.Info("telemetry initialized",
		slog.String("trace_exporter", kind),
		slog.String("metrics_bind", cfg.Telemetry.PrometheusBind))
	return t, nil
}

func newSpanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		return exporter, "otlp", err
	}
	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		return exporter, "stdout", err
	}
	return nil, "none", nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
