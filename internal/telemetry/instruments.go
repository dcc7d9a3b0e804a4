package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// instrumentCache lazily creates and memoizes OTel instruments by name.
// The metrics list in the spec names series, not instrument kinds, so a
// given name is always created the same way once and reused after that —
// OTel panics if you register two instruments with the same name but
// different kinds.
type instrumentCache struct {
	meter metric.Meter

	mu          sync.Mutex
	counters    map[string]metric.Float64Counter
	gauges      map[string]metric.Float64Gauge
	histograms  map[string]metric.Float64Histogram
}

func newInstrumentCache(meter metric.Meter) *instrumentCache {
	return &instrumentCache{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (c *instrumentCache) counter(name string) metric.Float64Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.counters[name]; ok {
		return inst
	}
	inst, _ := c.meter.Float64Counter(name)
	c.counters[name] = inst
	return inst
}

func (c *instrumentCache) gauge(name string) metric.Float64Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.gauges[name]; ok {
		return inst
	}
	inst, _ := c.meter.Float64Gauge(name)
	c.gauges[name] = inst
	return inst
}

func (c *instrumentCache) histogram(name string) metric.Float64Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.histograms[name]; ok {
		return inst
	}
	inst, _ := c.meter.Float64Histogram(name)
	c.histograms[name] = inst
	return inst
}
