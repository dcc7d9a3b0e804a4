package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// Registry implements gmcore.MetricsRegistry over the same meter the
// Provider uses for tracing, so Counter/Gauge/Histogram calls throughout
// the core (event bus emission counts, lock acquisition and contention,
// circuit breaker state, and so on) end up as Prometheus series under
// exactly the names callers pass in — event_bus_events_emitted_total,
// resource_lock_wait_time_seconds, resource_lock_contentions_total, etc.
type Registry struct {
	instruments *instrumentCache
}

var _ gmcore.MetricsRegistry = (*Registry)(nil)

// Registry returns the MetricsRegistry view of this provider, for
// SetGlobalMetrics at process start.
func (p *Provider) Registry() *Registry {
	return &Registry{instruments: p.instruments}
}

func (r *Registry) Counter(name string, value float64, labels map[string]string) {
	r.instruments.counter(name).Add(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (r *Registry) Gauge(name string, value float64, labels map[string]string) {
	r.instruments.gauge(name).Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (r *Registry) Histogram(name string, value float64, labels map[string]string) {
	r.instruments.histogram(name).Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}
