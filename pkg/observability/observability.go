// Package observability wires OpenTelemetry tracing and metrics for
// the pipeline core: RED metrics on engine operations plus gauges and
// histograms specific to session execution (active sessions, phase
// duration, feedback wait time).
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
)

const instrumentationName = "atelier.pipeline"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "atelier-pipeline",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers. A disabled provider
// is a safe no-op, so instrumented code never branches on telemetry.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram

	activeSessions   metric.Int64UpDownCounter
	phaseDuration    metric.Float64Histogram
	feedbackWait     metric.Float64Histogram
	retriesTotal     metric.Int64Counter
	breakerOpenTotal metric.Int64Counter
}

// New creates a provider and installs it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("atelier.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("atelier.operations.total",
		metric.WithDescription("Engine operations processed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("atelier.errors.total",
		metric.WithDescription("Engine operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("atelier.operation.duration",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.activeSessions, err = p.meter.Int64UpDownCounter("atelier.sessions.active",
		metric.WithDescription("Sessions currently executing"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}
	p.phaseDuration, err = p.meter.Float64Histogram("atelier.phase.duration",
		metric.WithDescription("Wall time per pipeline phase in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return err
	}
	p.feedbackWait, err = p.meter.Float64Histogram("atelier.feedback.wait",
		metric.WithDescription("Reviewer wait time at checkpoints in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 3600, 14400, 86400),
	)
	if err != nil {
		return err
	}
	p.retriesTotal, err = p.meter.Int64Counter("atelier.phase.retries.total",
		metric.WithDescription("Phase retries consumed"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}
	p.breakerOpenTotal, err = p.meter.Int64Counter("atelier.breaker.opened.total",
		metric.WithDescription("Circuit breaker open transitions"),
		metric.WithUnit("{transition}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// SessionStarted bumps the active-session gauge.
func (p *Provider) SessionStarted(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeSessions != nil {
		p.activeSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// SessionEnded decrements the active-session gauge.
func (p *Provider) SessionEnded(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeSessions != nil {
		p.activeSessions.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}

// RecordPhaseDuration records one phase's wall time.
func (p *Provider) RecordPhaseDuration(ctx context.Context, phase int, d time.Duration, attrs ...attribute.KeyValue) {
	if p.phaseDuration != nil {
		all := append(attrs, attribute.Int("phase", phase))
		p.phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(all...))
	}
}

// RecordFeedbackWait records how long a checkpoint waited for feedback.
func (p *Provider) RecordFeedbackWait(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.feedbackWait != nil {
		p.feedbackWait.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordRetry counts a consumed phase retry.
func (p *Provider) RecordRetry(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.retriesTotal != nil {
		p.retriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBreakerOpened counts an open transition.
func (p *Provider) RecordBreakerOpened(ctx context.Context, dependency string) {
	if p.breakerOpenTotal != nil {
		p.breakerOpenTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", dependency)))
	}
}

// TrackOperation instruments one engine operation end to end: span,
// rate, duration, and error counters. The returned func must be called
// on completion with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
			}
		}
		span.End()
	}
}
