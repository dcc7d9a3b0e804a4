// Package telemetry wires OpenTelemetry tracing (OTLP/HTTP) and a
// Prometheus-scrapeable metrics registry behind the gmcore.Telemetry and
// gmcore.MetricsRegistry interfaces, so no other package imports the OTel
// SDK directly.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// Provider implements gmcore.Telemetry on top of the OpenTelemetry SDK:
// traces export via OTLP/HTTP batching, metrics export through the
// Prometheus bridge so /metrics serves the exact series names the
// metrics list in the external-interfaces section requires.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	metricReader  *prometheus.Exporter
	instruments   *instrumentCache

	mu       sync.RWMutex
	shutdown bool
}

var _ gmcore.Telemetry = (*Provider)(nil)

// New builds a Provider exporting traces to otlpEndpoint (an OTLP/HTTP
// collector, typically :4318) and metrics via an in-process Prometheus
// registry scraped at /metrics.
func New(serviceName, otlpEndpoint string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4318"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	ctx := context.Background()
	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter for %s: %w", otlpEndpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	promExporter, err := prometheus.New()
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := mp.Meter("conductor")
	return &Provider{
		tracer:        tp.Tracer("conductor"),
		meter:         meter,
		traceProvider: tp,
		metricReader:  promExporter,
		instruments:   newInstrumentCache(meter),
	}, nil
}

// StartSpan starts a span at one of the well-known boundaries (step
// begin/end, lock acquire, LLM call, agent request).
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, gmcore.Span) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown || p.tracer == nil {
		return ctx, gmcore.NoOpSpan{}
	}
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements the free-form gmcore.Telemetry metric path;
// internal/telemetry.Registry (below) is the typed Counter/Gauge/
// Histogram surface most packages actually call.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown {
		return
	}
	p.instruments.histogram(name).Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

// MetricsHandler returns the http.Handler to mount at GET /metrics.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and tears down the trace provider; Prometheus export
// is pull-based and needs no explicit shutdown beyond releasing the
// registry, which happens with process exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil
	}
	p.shutdown = true
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.traceProvider.Shutdown(shutdownCtx)
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }
func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}
func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
