// Package telemetry provides OpenTelemetry tracing and metrics for the bridge.
// When the exporter is "none" or unset, the tracer and meter are no-ops.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope for bridge traces and metrics.
	ScopeName = "chatbridge"
	// DefaultServiceName is reported when no service name is configured.
	DefaultServiceName = "chatbridge"
	// DefaultEndpoint is the OTLP/HTTP collector address.
	DefaultEndpoint = "localhost:4318"
)

// Exporter names accepted by Init.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
)

// Config holds telemetry configuration.
type Config struct {
	Exporter    string
	Endpoint    string
	ServiceName string
	Logger      *slog.Logger
}

// Provider owns the tracer, the meter and the bridge's instruments.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	rows     metric.Int64Counter
	turns    metric.Int64Counter
	inflight metric.Int64UpDownCounter

	logger   *slog.Logger
	shutdown func(context.Context) error
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	p, _ := newProvider(
		nooptrace.NewTracerProvider().Tracer(ScopeName),
		noop.NewMeterProvider().Meter(ScopeName),
		slog.Default(),
		func(context.Context) error { return nil },
	)
	return p
}

// Init builds a provider for cfg. It must be shut down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		logger.Debug("telemetry.Init: exporter disabled, using no-op provider")
		p := Noop()
		p.logger = logger
		return p, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	p, err := newProvider(tp.Tracer(ScopeName), mp.Meter(ScopeName), logger, func(ctx context.Context) error {
		tErr := tp.Shutdown(ctx)
		mErr := mp.Shutdown(ctx)
		if tErr != nil {
			return tErr
		}
		return mErr
	})
	if err != nil {
		return nil, err
	}
	logger.Info("telemetry.Init: provider started", "exporter", cfg.Exporter, "service", serviceName)
	return p, nil
}

func newProvider(tracer trace.Tracer, meter metric.Meter, logger *slog.Logger, shutdown func(context.Context) error) (*Provider, error) {
	p := &Provider{Tracer: tracer, Meter: meter, logger: logger, shutdown: shutdown}
	var err error

	p.rows, err = meter.Int64Counter("bridge.rows",
		metric.WithDescription("Inbound store rows accounted, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	p.turns, err = meter.Int64Counter("bridge.turns",
		metric.WithDescription("Routed turns, by route and result"),
	)
	if err != nil {
		return nil, err
	}

	p.inflight, err = meter.Int64UpDownCounter("bridge.turns_inflight",
		metric.WithDescription("Agent turns currently in flight"),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
