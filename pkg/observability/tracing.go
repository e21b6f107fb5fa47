package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	config "github.com/night-slayer18/dtypes/configs"
	"github.com/night-slayer18/dtypes/pkg/backend"
)

// ScopeName names the tracer every dtypes span is recorded under.
const ScopeName = "github.com/night-slayer18/dtypes"

type Config struct {
	ServiceName    string
	ServiceVersion string
	// Backend is recorded on the resource as dtypes.backend.
	Backend      string
	Endpoint     string // OTLP/HTTP host:port
	Enabled      bool
	SamplingRate float64
}

func DefaultConfig(service string) Config {
	return Config{
		ServiceName:    service,
		ServiceVersion: "dev",
		Endpoint:       "localhost:4318",
		SamplingRate:   1,
	}
}

// ConfigFrom copies the tracing settings out of the loaded configuration.
func ConfigFrom(service string, c *config.Config) Config {
	tc := DefaultConfig(service)
	tc.Backend = c.Backend
	tc.Enabled = c.TracingEnabled
	tc.SamplingRate = c.TracingSampleRate
	if c.OTLPEndpoint != "" {
		tc.Endpoint = c.OTLPEndpoint
	}
	return tc
}

func (c Config) validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w: sampling rate %g outside [0,1]", backend.ErrInvalidArgument, c.SamplingRate)
	}
	if c.Enabled && c.Endpoint == "" {
		return fmt.Errorf("%w: tracing enabled without an endpoint", backend.ErrInvalidArgument)
	}
	return nil
}

// Provider owns the SDK tracer provider when tracing is enabled.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init exports spans over OTLP/HTTP and installs the provider and a W3C
// propagator globally. With tracing disabled it returns the global tracer
// and exports nothing.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(ScopeName)}, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	p, err := newProvider(cfg, sdktrace.WithBatcher(exp))
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(p.sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

func newProvider(cfg Config, export sdktrace.TracerProviderOption) (*Provider, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.Backend != "" {
		attrs = append(attrs, attribute.String("dtypes.backend", cfg.Backend))
	}
	// Schemaless, so merging never conflicts with the SDK default's schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	return &Provider{sdk: sdk, tracer: sdk.Tracer(ScopeName)}, nil
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}
