package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// instrument names one coordination metric
type instrument struct {
	name    string
	desc    string
	unit    string
	buckets []float64
}

var (
	eventsEmittedInstrument = instrument{
		name: "sessioncore.events.emitted",
		desc: "Events accepted or rejected by the propagation engine",
		unit: "{event}",
	}
	eventsDeliveredInstrument = instrument{
		name: "sessioncore.events.delivered",
		desc: "Per-connection event deliveries",
		unit: "{delivery}",
	}
	electionsInstrument = instrument{
		name: "sessioncore.leader.elections",
		desc: "Leader election outcomes",
		unit: "{election}",
	}
	connectionsInstrument = instrument{
		name: "sessioncore.connections.active",
		desc: "Open websocket connections",
		unit: "{connection}",
	}
	tokenRefreshesInstrument = instrument{
		name: "sessioncore.token.refreshes",
		desc: "Session token refresh attempts",
		unit: "{refresh}",
	}
	// refresh latency is dominated by the signer and the optional user lookup
	refreshDurationInstrument = instrument{
		name:    "sessioncore.token.refresh.duration",
		desc:    "Time spent reissuing a session token",
		unit:    "s",
		buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}
)

// metricBuilder creates instruments on one meter and keeps the first error,
// so a constructor can declare all of them and check once
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func newMetricBuilder(meter metric.Meter) *metricBuilder {
	return &metricBuilder{meter: meter}
}

func (mb *metricBuilder) Error() error {
	return mb.err
}

func build[T any](mb *metricBuilder, kind string, in instrument, create func() (T, error)) T {
	var zero T
	if mb.err != nil {
		return zero
	}
	inst, err := create()
	if err != nil {
		mb.err = fmt.Errorf("failed to create %s %s: %w", kind, in.name, err)
		return zero
	}
	return inst
}

func (mb *metricBuilder) counter(in instrument) metric.Int64Counter {
	return build(mb, "counter", in, func() (metric.Int64Counter, error) {
		return mb.meter.Int64Counter(in.name, metric.WithDescription(in.desc), metric.WithUnit(in.unit))
	})
}

func (mb *metricBuilder) upDownCounter(in instrument) metric.Int64UpDownCounter {
	return build(mb, "updowncounter", in, func() (metric.Int64UpDownCounter, error) {
		return mb.meter.Int64UpDownCounter(in.name, metric.WithDescription(in.desc), metric.WithUnit(in.unit))
	})
}

func (mb *metricBuilder) histogram(in instrument) metric.Float64Histogram {
	return build(mb, "histogram", in, func() (metric.Float64Histogram, error) {
		return mb.meter.Float64Histogram(in.name,
			metric.WithDescription(in.desc),
			metric.WithUnit(in.unit),
			metric.WithExplicitBucketBoundaries(in.buckets...))
	})
}
