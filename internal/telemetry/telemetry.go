package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/straja-ai/hazardfuse/internal/fusion"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
)

const instrumentationName = "hazardfuse"

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

	requestsCounter   metric.Int64Counter
	requestDuration   metric.Float64Histogram
	fusionDuration    metric.Float64Histogram
	detectionsCounter metric.Int64Counter
	fallbacksCounter  metric.Int64Counter
	rejectedCounter   metric.Int64Counter
	deliveriesCounter metric.Int64Counter

	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTLP exporters and registers the providers
// globally. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return newProvider(tracenoop.NewTracerProvider().Tracer(""), noop.NewMeterProvider().Meter("")), nil
	}

	protocol := strings.ToLower(strings.TrimSpace(cfg.Protocol))
	if protocol == "" {
		protocol = "grpc"
	}
	if protocol != "grpc" && protocol != "http" {
		return nil, fmt.Errorf("unsupported telemetry protocol %q", cfg.Protocol)
	}

	hlog.Info("telemetry enabled; upload warnings are expected while no collector is listening",
		"protocol", protocol, "endpoint", cfg.Endpoint)

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
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
	case "http":
		traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
	}
	if err != nil {
		_ = traceExp.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	p := newProvider(tp.Tracer(instrumentationName), mp.Meter(instrumentationName))
	p.Enabled = true
	p.shutdownTraceProvider = tp.Shutdown
	p.shutdownMeterProvider = mp.Shutdown
	return p, nil
}

func newProvider(t trace.Tracer, m metric.Meter) *Provider {
	p := &Provider{tracer: t, meter: m}
	// Instrument errors are ignored; telemetry is best-effort.
	p.requestsCounter, _ = m.Int64Counter("hazardfuse_requests_total")
	p.requestDuration, _ = m.Float64Histogram("hazardfuse_request_duration_ms")
	p.fusionDuration, _ = m.Float64Histogram("hazardfuse_fusion_duration_ms")
	p.detectionsCounter, _ = m.Int64Counter("hazardfuse_detections_total")
	p.fallbacksCounter, _ = m.Int64Counter("hazardfuse_fallbacks_total")
	p.rejectedCounter, _ = m.Int64Counter("hazardfuse_rejected_candidates_total")
	p.deliveriesCounter, _ = m.Int64Counter("hazardfuse_event_deliveries_total")
	return p
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers. Both are shut down even if the first fails.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.shutdownTraceProvider != nil {
		if err := p.shutdownTraceProvider(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.shutdownMeterProvider != nil {
		if err := p.shutdownMeterProvider(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RecordRequest counts one HTTP request by route and status class.
func (p *Provider) RecordRequest(ctx context.Context, route string, status int, clientID string, durMs float64) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(SafeAttributes(map[string]any{
		"hazardfuse.route":        route,
		"hazardfuse.status_class": strconv.Itoa(status/100) + "xx",
		"hazardfuse.client_id":    clientID,
	})...)
	p.requestsCounter.Add(ctx, 1, attrs)
	p.requestDuration.Record(ctx, durMs, attrs)
}

// RecordFusion records the outcome of one engine run.
func (p *Provider) RecordFusion(ctx context.Context, res fusion.Result, durMs float64) {
	if p == nil {
		return
	}
	mode := "fused"
	if res.Fallback {
		mode = "fallback"
		p.fallbacksCounter.Add(ctx, 1)
	}
	p.fusionDuration.Record(ctx, durMs, metric.WithAttributes(attribute.String("hazardfuse.mode", mode)))
	if n := len(res.Rejected); n > 0 {
		p.rejectedCounter.Add(ctx, int64(n))
	}
	for _, d := range res.Detections {
		p.detectionsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("hazardfuse.hazard_type", string(d.Type)),
			attribute.String("hazardfuse.severity", d.Severity.String()),
			attribute.String("hazardfuse.method", string(d.Method)),
		))
	}
}

// RecordDelivery counts one event sink delivery attempt. Its signature
// matches activation.EmitterConfig.Observe.
func (p *Provider) RecordDelivery(sink string, err error) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.deliveriesCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("hazardfuse.sink", sinkKind(sink)),
		attribute.String("hazardfuse.outcome", outcome),
	))
}

// sinkKind strips the target from a sink name so paths and urls never
// become metric labels.
func sinkKind(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}
