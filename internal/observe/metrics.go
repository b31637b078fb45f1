// Package observe provides application-wide observability primitives for the
// Adacab bridge: OpenTelemetry metrics with a Prometheus exporter bridge so
// the standard /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Adacab metrics.
const meterName = "github.com/adacab/adacab"

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for telephony backend latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ToolCalls counts sync-tool invocations. Use with attributes:
	//   attribute.String("status", ...) — handled, duplicate, throttled
	ToolCalls metric.Int64Counter

	// StageTransitions counts booking-engine stage changes. Use with:
	//   attribute.String("stage", ...)
	StageTransitions metric.Int64Counter

	// BargeIns counts caller barge-ins by source ("gate", "server_vad").
	BargeIns metric.Int64Counter

	// FramesSent and FramesGated count inbound caller frames by fate.
	FramesSent  metric.Int64Counter
	FramesGated metric.Int64Counter

	// BackendDuration tracks geocode/dispatch latency. Use with:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	BackendDuration metric.Float64Histogram

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// CallsCompleted counts finished calls by outcome:
	//   attribute.String("outcome", ...) — completed, hungup, transferred, failed
	CallsCompleted metric.Int64Counter
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCalls, err = m.Int64Counter("adacab.tool.calls",
		metric.WithDescription("Total sync-tool invocations by status."),
	); err != nil {
		return nil, err
	}
	if met.StageTransitions, err = m.Int64Counter("adacab.booking.stage_transitions",
		metric.WithDescription("Total booking-engine stage transitions by target stage."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("adacab.audio.barge_ins",
		metric.WithDescription("Total caller barge-ins by detection source."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("adacab.audio.frames_sent",
		metric.WithDescription("Caller frames forwarded to the realtime API."),
	); err != nil {
		return nil, err
	}
	if met.FramesGated, err = m.Int64Counter("adacab.audio.frames_gated",
		metric.WithDescription("Caller frames held back by the mic gate."),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("adacab.backend.duration",
		metric.WithDescription("Latency of geocode and dispatch calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("adacab.calls.active",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.CallsCompleted, err = m.Int64Counter("adacab.calls.completed",
		metric.WithDescription("Finished calls by outcome."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide Metrics instance, built lazily from
// the global meter provider. Instrument creation failures yield a zero-value
// struct whose instruments are nil; recording helpers tolerate that so tests
// run without a provider installed.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
