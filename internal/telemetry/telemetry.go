package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/straja-ai/sentiment"

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	requestsCounter       metric.Int64Counter
	requestDuration       metric.Float64Histogram
	inferenceDuration     metric.Float64Histogram
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  metricnoop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// NewProvider configures OTLP exporters and providers. When disabled, returns Noop().
func NewProvider(ctx context.Context, cfg Config, log *zap.Logger) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	protocol := strings.ToLower(strings.TrimSpace(cfg.Protocol))
	if protocol == "" {
		protocol = "grpc"
	}
	if protocol != "grpc" && protocol != "http" {
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", cfg.Protocol)
	}

	log.Info("telemetry enabled; upload warnings are expected when no collector is listening",
		zap.String("protocol", protocol),
		zap.String("endpoint", cfg.Endpoint),
	)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	var traceExp sdktrace.SpanExporter
	var metricExp sdkmetric.Exporter
	switch protocol {
	case "grpc":
		traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
	case "http":
		traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
	}
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer(instrumentationName),
		meter:                 mp.Meter(instrumentationName),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

func (p *Provider) initInstruments() {
	// Instrument errors are ignored; telemetry is best-effort.
	p.requestsCounter, _ = p.meter.Int64Counter("sentiment_requests_total")
	p.requestDuration, _ = p.meter.Float64Histogram("sentiment_request_duration_ms")
	p.inferenceDuration, _ = p.meter.Float64Histogram("sentiment_inference_duration_ms")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return metricnoop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// StartSpan starts a span carrying only attributes that pass SafeAttributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs map[string]interface{}) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, trace.WithAttributes(SafeAttributes(attrs)...))
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordRequestMetrics emits request counters/histograms. inferenceMs is skipped when zero.
func (p *Provider) RecordRequestMetrics(ctx context.Context, route string, status int, durMs, inferenceMs float64) {
	if p == nil || p.requestsCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", status),
	)
	p.requestsCounter.Add(ctx, 1, attrs)
	p.requestDuration.Record(ctx, durMs, attrs)
	if inferenceMs > 0 {
		p.inferenceDuration.Record(ctx, inferenceMs, attrs)
	}
}
