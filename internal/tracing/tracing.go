// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("tracing")

const serviceName = "meetbot"

// Provider owns the SDK tracer provider, if one was installed.
type Provider struct {
	tp       *sdktrace.TracerProvider
	exporter string
}

// Setup builds the exporter named by cfg and installs it globally. With the
// none exporter the global no-op provider is left in place.
func Setup(ctx context.Context, cfg config.TracingConfig, version string, out io.Writer) (*Provider, error) {
	kind := strings.ToLower(cfg.Exporter)
	if kind == "" || kind == "none" {
		return &Provider{exporter: "none"}, nil
	}

	exp, err := newExporter(ctx, kind, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter %s: %w", kind, err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info("tracing enabled", "exporter", kind, "endpoint", cfg.Endpoint, "sampleRate", cfg.SampleRate)
	return &Provider{tp: tp, exporter: kind}, nil
}

func newExporter(ctx context.Context, kind string, cfg config.TracingConfig, out io.Writer) (sdktrace.SpanExporter, error) {
	switch kind {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(out))
	case "otlp":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", kind)
	}
}

// Tracer returns a named tracer from the installed provider, or the global
// one when tracing is off.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

func (p *Provider) Exporter() string {
	if p == nil {
		return "none"
	}
	return p.exporter
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
