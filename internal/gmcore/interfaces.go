package gmcore

import (
	"context"
	"sync"
)

// Logger is the minimal structured logging interface implemented by
// internal/gmlog and consumed by every other package. Context-aware
// variants let callers attach trace/span ids without the logger needing
// to know about OpenTelemetry directly.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package tag its log lines with a stable
// component identifier (e.g. "component/workflow", "component/lock")
// without threading a string through every call site.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry starts spans and records free-standing metrics. Implemented
// by internal/telemetry's OTel-backed provider; every other package only
// depends on this interface, never on the OTel SDK directly.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span is the minimal tracing span surface used at the well-known
// boundaries named in the design notes: step begin/end, lock acquire,
// LLM call, agent request.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// MetricsRegistry is the Prometheus-shaped metrics sink. Counter/Gauge/
// Histogram names and label sets mirror the metrics list verbatim so
// internal/telemetry's Prometheus exporter produces exactly those series.
type MetricsRegistry interface {
	Counter(name string, value float64, labels map[string]string)
	Gauge(name string, value float64, labels map[string]string)
	Histogram(name string, value float64, labels map[string]string)
}

// NoOpLogger discards everything. Used as the zero-value default so
// packages never need a nil check before calling logger.Info(...).
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugContext(context.Context, string, map[string]interface{}) {}

func (n NoOpLogger) WithComponent(string) Logger { return n }

// NoOpTelemetry discards spans and metrics.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}
func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

// NoOpSpan discards attributes and errors.
type NoOpSpan struct{}

func (NoOpSpan) End()                               {}
func (NoOpSpan) SetAttribute(string, interface{})   {}
func (NoOpSpan) RecordError(error)                  {}

// NoOpMetrics discards every emission. Used before internal/telemetry's
// provider has finished initializing, and in unit tests.
type NoOpMetrics struct{}

func (NoOpMetrics) Counter(string, float64, map[string]string)   {}
func (NoOpMetrics) Gauge(string, float64, map[string]string)     {}
func (NoOpMetrics) Histogram(string, float64, map[string]string) {}

// global metrics registry, set once by internal/telemetry at process
// start so packages deep in the call graph (lock, eventbus) can emit
// metrics without importing the telemetry package and creating a cycle.
var (
	globalMetrics   MetricsRegistry = NoOpMetrics{}
	globalMetricsMu sync.RWMutex
)

// SetGlobalMetrics installs the process-wide metrics sink. Called once
// from cmd/conductor's main() after internal/telemetry finishes setup.
func SetGlobalMetrics(m MetricsRegistry) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	if m == nil {
		globalMetrics = NoOpMetrics{}
		return
	}
	globalMetrics = m
}

// GlobalMetrics returns the process-wide metrics sink, or a no-op before
// SetGlobalMetrics has been called.
func GlobalMetrics() MetricsRegistry {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}
