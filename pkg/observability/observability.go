// Package observability wires OpenTelemetry tracing and metrics around
// kernel dispatch and exposes kernel counters to Prometheus.
//
// Nothing here feeds back into kernel state: spans and wall-clock
// durations are recorded next to the deterministic core, never inside it.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

const instrumentationName = "esta.kernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // host:port, gRPC
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

// DefaultConfig has telemetry off; the host turns it on from config.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "esta-kernel",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers and the dispatch
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	messages metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	loads    metric.Int64Counter
	restarts metric.Int64Counter
}

// New builds a Provider. A disabled config yields one backed by the
// global (by default no-op) providers.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p.withProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}
	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p.withProviders(p.tracerProvider, p.meterProvider)
}

// NewWithProviders uses caller-supplied providers, such as in-memory ones
// in tests.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{config: DefaultConfig(), logger: slog.Default().With("component", "observability")}
	return p.withProviders(tp, mp)
}

func (p *Provider) withProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
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
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
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
		return err
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
	if p.messages, err = p.meter.Int64Counter("esta.kernel.messages",
		metric.WithDescription("Messages dispatched by the kernel"),
		metric.WithUnit("{message}"),
	); err != nil {
		return err
	}
	if p.failures, err = p.meter.Int64Counter("esta.kernel.failures",
		metric.WithDescription("Dispatches that ended in a kernel error"),
		metric.WithUnit("{message}"),
	); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("esta.kernel.dispatch.duration",
		metric.WithDescription("Wall-clock time spent in dispatch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return err
	}
	if p.loads, err = p.meter.Int64Counter("esta.kernel.loads",
		metric.WithDescription("Module load attempts"),
		metric.WithUnit("{load}"),
	); err != nil {
		return err
	}
	p.restarts, err = p.meter.Int64Counter("esta.kernel.restarts",
		metric.WithDescription("Supervisor restarts"),
		metric.WithUnit("{restart}"),
	)
	return err
}

// Shutdown flushes and stops the providers this Provider created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// RemoteParent returns ctx carrying tc as a remote span context, so spans
// started from it join the caller's trace. An absent or malformed trace
// context leaves ctx unchanged.
func RemoteParent(ctx context.Context, tc envelope.TraceContext) context.Context {
	traceID, err := trace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(tc.SpanID)
	if err != nil {
		return ctx
	}
	var flags trace.TraceFlags
	if tc.Sampled {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// Dispatch starts a span for one message. The returned func ends it and
// records the outcome: the destination module (possibly empty) and the
// kernel error, if any.
func (p *Provider) Dispatch(ctx context.Context, mode string, env envelope.Envelope) (context.Context, func(module string, err error)) {
	start := time.Now()
	ctx = RemoteParent(ctx, env.TraceContext)
	ctx, span := p.tracer.Start(ctx, "kernel."+mode,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("esta.opcode", env.Opcode)),
	)
	return ctx, func(module string, err error) {
		attrs := []attribute.KeyValue{
			attribute.String("esta.mode", mode),
			attribute.String("esta.module", module),
			attribute.String("esta.outcome", outcome(err)),
		}
		span.SetAttributes(attrs...)
		p.messages.Add(ctx, 1, metric.WithAttributes(attrs...))
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs[0]))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kerr.CodeOf(err)))
			p.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		span.End()
	}
}

// RecordLoad counts a load attempt for module.
func (p *Provider) RecordLoad(ctx context.Context, module string, err error) {
	p.loads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("esta.module", module),
		attribute.String("esta.outcome", outcome(err)),
	))
}

// RecordRestart counts a supervisor restart at the given escalation level.
func (p *Provider) RecordRestart(ctx context.Context, module string, level int) {
	p.restarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("esta.module", module),
		attribute.Int("esta.escalation", level),
	))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if c := kerr.CodeOf(err); c != "" {
		return string(c)
	}
	return "error"
}
