// Package metrics defines a small Provider abstraction so the engine's
// domain code can record counters/gauges/histograms without depending
// directly on Prometheus or OTel types.
package metrics

import "context"

// Provider is the minimal metrics provider contract used internally.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// Counter is a monotonically increasing value, optionally labeled.
type Counter interface{ Inc(delta float64, labels ...string) }

// Gauge is a value that can move up or down, optionally labeled.
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Histogram records a distribution of observed values, optionally labeled.
type Histogram interface{ Observe(v float64, labels ...string) }

// Timer observes an elapsed duration when stopped.
type Timer interface{ ObserveDuration(labels ...string) }

// CommonOpts names a metric; Namespace/Subsystem/Name are joined with
// underscores to form the exported metric name.
type CommonOpts struct {
	Namespace, Subsystem, Name, Help string
	Labels                           []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

// NewNoopProvider returns a Provider that discards everything recorded
// through it, used when metrics are disabled by config.
func NewNoopProvider() Provider { return &noopProvider{} }

func (p *noopProvider) NewCounter(CounterOpts) Counter     { return noopCounter{} }
func (p *noopProvider) NewGauge(GaugeOpts) Gauge           { return noopGauge{} }
func (p *noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (p *noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (p *noopProvider) Health(context.Context) error { return nil }

func (noopCounter) Inc(float64, ...string)     {}
func (noopGauge) Set(float64, ...string)       {}
func (noopGauge) Add(float64, ...string)       {}
func (noopHistogram) Observe(float64, ...string) {}
func (noopTimer) ObserveDuration(...string)    {}

// Names commonly recorded by the collector and state machine, kept here
// so every call site spells a metric the same way.
const (
	NameSamplesTotal        = "samples_total"
	NameSamplesFailedTotal  = "samples_failed_total"
	NameTransportLatency    = "transport_latency_seconds"
	NameTransitionsTotal    = "transitions_total"
	NameCoalescedTicksTotal = "coalesced_ticks_total"
	NameReadingsRingLength  = "readings_ring_length"
)
