package metrics

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	EventsAppended   = "sequencer.events.appended"
	EventsRejected   = "sequencer.events.rejected"
	EventsDispatched = "sequencer.events.dispatched"
	LogFull          = "sequencer.log.full"
	CatchupApplied   = "sequencer.catchup.applied"
	CatchupSkipped   = "sequencer.catchup.skipped"
	ReplicaFailures  = "sequencer.replica.failures"
	ReplicaRestores  = "sequencer.replica.restores"
	LogLength        = "sequencer.log.length"
	CatchupLag       = "sequencer.catchup.lag"
	DispatchSeconds  = "sequencer.dispatch.seconds"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

type nop struct{}

func (nop) IncCounter(string, map[string]string, float64)       {}
func (nop) SetGauge(string, map[string]string, float64)         {}
func (nop) ObserveHistogram(string, map[string]string, float64) {}

// Nop discards everything.
func Nop() Collector { return nop{} }

// OTel records through an OpenTelemetry meter, creating instruments on first use.
type OTel struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

func NewOTel(meter metric.Meter) *OTel {
	return &OTel{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (o *OTel) IncCounter(name string, labels map[string]string, delta float64) {
	o.mu.Lock()
	c, ok := o.counters[name]
	if !ok {
		var err error
		if c, err = o.meter.Float64Counter(name); err != nil {
			o.mu.Unlock()
			return
		}
		o.counters[name] = c
	}
	o.mu.Unlock()
	c.Add(context.Background(), delta, metric.WithAttributes(toAttrs(labels)...))
}

func (o *OTel) SetGauge(name string, labels map[string]string, value float64) {
	o.mu.Lock()
	g, ok := o.gauges[name]
	if !ok {
		var err error
		if g, err = o.meter.Float64Gauge(name); err != nil {
			o.mu.Unlock()
			return
		}
		o.gauges[name] = g
	}
	o.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (o *OTel) ObserveHistogram(name string, labels map[string]string, value float64) {
	o.mu.Lock()
	h, ok := o.histograms[name]
	if !ok {
		var err error
		if h, err = o.meter.Float64Histogram(name); err != nil {
			o.mu.Unlock()
			return
		}
		o.histograms[name] = h
	}
	o.mu.Unlock()
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}
