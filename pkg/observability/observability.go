// Package observability provides the OpenTelemetry trace and metric providers
// for aura-node, with RED (Rate, Errors, Duration) instruments for ceremony
// and sync operations. When disabled, every method is a no-op, so callers
// never branch on whether telemetry is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aura-dev/aura/pkg/config"
)

const scopeName = "aura.node"

// Provider manages the OpenTelemetry trace and metric providers.
type Provider struct {
	cfg    config.ObservabilityConfig
	logger *slog.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	opCounter   metric.Int64Counter
	errCounter  metric.Int64Counter
	durationMs  metric.Float64Histogram
	activeOps   metric.Int64UpDownCounter
	activeSess  metric.Int64UpDownCounter
	syncedBytes metric.Int64Counter
}

// New builds a provider from node configuration. A disabled config returns a
// provider whose instruments are all nil and whose methods do nothing.
func New(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("initializing trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("initializing metric provider: %w", err)
	}

	p.tracer = otel.Tracer(scopeName)
	p.meter = otel.Meter(scopeName)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("initializing instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_ratio", cfg.SampleRatio,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("creating trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.cfg.SampleRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.cfg.SampleRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.cfg.SampleRatio)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("creating metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.opCounter, err = p.meter.Int64Counter("aura.operations.total",
		metric.WithDescription("Operations started, by kind"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.errCounter, err = p.meter.Int64Counter("aura.errors.total",
		metric.WithDescription("Failed operations, by kind and error category"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationMs, err = p.meter.Float64Histogram("aura.operation.duration",
		metric.WithDescription("Operation duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
	)
	if err != nil {
		return err
	}

	p.activeOps, err = p.meter.Int64UpDownCounter("aura.ceremonies.active",
		metric.WithDescription("Ceremonies currently in a non-terminal phase"),
		metric.WithUnit("{ceremony}"),
	)
	if err != nil {
		return err
	}

	p.activeSess, err = p.meter.Int64UpDownCounter("aura.sessions.active",
		metric.WithDescription("Signing sessions currently open"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	p.syncedBytes, err = p.meter.Int64Counter("aura.sync.bytes",
		metric.WithDescription("Bytes exchanged during anti-entropy rounds"),
		metric.WithUnit("By"),
	)
	return err
}

// Noop returns a provider with no exporters and nil instruments; every
// method does nothing. Subsystems default to it so telemetry is always
// optional.
func Noop() *Provider {
	return &Provider{logger: slog.Default().With("component", "observability")}
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "err", err)
		}
	}
	return nil
}

// Tracer returns the node tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Meter returns the node meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(scopeName)
	}
	return p.meter
}

// StartSpan opens a span on the node tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// SessionOpened bumps the active session gauge.
func (p *Provider) SessionOpened(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeSess != nil {
		p.activeSess.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// SessionClosed drops the active session gauge.
func (p *Provider) SessionClosed(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeSess != nil {
		p.activeSess.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}

// SyncTransferred accounts bytes moved in an anti-entropy round.
func (p *Provider) SyncTransferred(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.syncedBytes != nil {
		p.syncedBytes.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span and records RED metrics for one operation. The
// returned finish function must be called exactly once with the operation's
// outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeOps != nil {
		p.activeOps.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.opCounter != nil {
		p.opCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		elapsed := time.Since(start)

		if p.activeOps != nil {
			p.activeOps.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationMs != nil {
			p.durationMs.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errCounter != nil {
				all := append(attrs, ErrorCategory(err))
				p.errCounter.Add(ctx, 1, metric.WithAttributes(all...))
			}
		}
		span.End()
	}
}
