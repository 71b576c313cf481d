// Package observability wires OpenTelemetry tracing and metrics for
// the enforcement core: OTLP export over gRPC, RED metrics (rate,
// errors, duration) and enforcement-specific span attributes.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
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

const instrumentationName = "anumate.enforcement-core"

// Semantic attributes for enforcement spans and metrics.
var (
	AttrTenantID      = attribute.Key("enforcement.tenant_id")
	AttrTokenJTI      = attribute.Key("enforcement.token_jti")
	AttrTool          = attribute.Key("enforcement.tool")
	AttrAction        = attribute.Key("enforcement.action")
	AttrCapability    = attribute.Key("enforcement.capability")
	AttrDecision      = attribute.Key("enforcement.decision")
	AttrViolationType = attribute.Key("enforcement.violation_type")
	AttrPolicyName    = attribute.Key("enforcement.policy_name")
	AttrPlanHash      = attribute.Key("enforcement.plan_hash")
	AttrEngine        = attribute.Key("enforcement.engine")
)

// Config configures the providers.
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

// DefaultConfig samples everything, which suits development. Dial
// SampleRate down in production.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "enforcement-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider owns the trace and metric providers and the RED
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	activeRequests  metric.Int64UpDownCounter
	violationsTotal metric.Int64Counter
	replaysTotal    metric.Int64Counter
}

// New builds the provider. With Enabled false it returns a no-op
// provider whose record methods are safe to call.
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
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("enforcement.requests.total",
		metric.WithDescription("Enforcement checks processed"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("enforcement.errors.total",
		metric.WithDescription("Enforcement check failures"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("enforcement.request.duration",
		metric.WithDescription("Enforcement check duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}
	p.activeRequests, err = p.meter.Int64UpDownCounter("enforcement.requests.active",
		metric.WithDescription("In-flight enforcement checks"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.violationsTotal, err = p.meter.Int64Counter("enforcement.violations.total",
		metric.WithDescription("Capability violations recorded"),
		metric.WithUnit("{violation}"))
	if err != nil {
		return err
	}
	p.replaysTotal, err = p.meter.Int64Counter("enforcement.replays.total",
		metric.WithDescription("Token replays detected"),
		metric.WithUnit("{replay}"))
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

// Tracer returns the enforcement tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span on the enforcement tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordViolation counts one violation.
func (p *Provider) RecordViolation(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.violationsTotal != nil {
		p.violationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordReplay counts one detected replay.
func (p *Provider) RecordReplay(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.replaysTotal != nil {
		p.replaysTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span and the RED instruments for one
// operation. The returned func closes them; pass the operation error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	if p.activeRequests != nil {
		p.activeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.activeRequests != nil {
			p.activeRequests.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
			}
		}
		span.End()
	}
}

// HTTPMiddleware instruments a handler with a server span and the RED
// instruments, keyed by method and path pattern.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, finish := p.TrackOperation(r.Context(), r.Method+" "+r.URL.Path,
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		var err error
		if sw.status >= 500 {
			err = fmt.Errorf("http status %d", sw.status)
		}
		finish(err)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
