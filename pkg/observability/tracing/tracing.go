// Package tracing builds the OpenTelemetry tracer provider for the sampler
// service from configuration.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fluxorio/metropolis/pkg/config"
)

// Provider owns a tracer and the exporter pipeline behind it.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Option configures New.
type Option func(*options)

type options struct {
	writer    io.Writer
	processor sdktrace.SpanProcessor
}

// WithWriter sets where the stdout exporter writes. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithSpanProcessor adds a processor next to the configured exporter. A
// provider is built even for the none exporter when one is given.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processor = sp }
}

// New builds a provider for cfg.Exporter: none, stdout, zipkin or jaeger.
func New(cfg config.TracingConfig, opts ...Option) (*Provider, error) {
	o := options{writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "metropolis"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "none":
		if o.processor == nil {
			return &Provider{tracer: noop.NewTracerProvider().Tracer(name)}, nil
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(o.writer))
	case "zipkin":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("zipkin exporter needs an endpoint")
		}
		exporter, err = zipkin.New(cfg.Endpoint)
	case "jaeger":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("jaeger exporter needs an endpoint")
		}
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", name),
			attribute.String("telemetry.sdk.language", "go"),
		)),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	if o.processor != nil {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(o.processor))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	return &Provider{sdk: tp, tracer: tp.Tracer(name)}, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// SetGlobal installs the provider as the otel global.
func (p *Provider) SetGlobal() {
	if p.sdk != nil {
		otel.SetTracerProvider(p.sdk)
	}
}

// Start opens a span.
func (p *Provider) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the exporter pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
