// Package metrics wires the server's counters and gauges into
// go-ethereum's own metrics registry, the same instrumentation library
// go-ethereum uses throughout its node (eth/, miner/, les/ all register
// into metrics.DefaultRegistry).
package metrics

import (
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
)

// Set groups the handful of gauges/counters the work-dispatch engine and
// HTTP layer update. It exists so tests can construct an isolated
// registry instead of polluting the process-global DefaultRegistry.
type Set struct {
	QueueSize      gethmetrics.Gauge
	Generating     gethmetrics.Gauge
	WorkerFailures gethmetrics.Meter
	RequestsTotal  gethmetrics.Meter
	RequestLatency gethmetrics.Timer
	GPUQuarantines gethmetrics.Meter
}

// New registers a fresh Set under the given registry. Pass
// gethmetrics.DefaultRegistry in production; tests should pass
// gethmetrics.NewRegistry() to avoid name collisions across parallel
// test runs.
func New(registry gethmetrics.Registry) *Set {
	return &Set{
		QueueSize:      gethmetrics.NewRegisteredGauge("workserver/queue/size", registry),
		Generating:     gethmetrics.NewRegisteredGauge("workserver/queue/generating", registry),
		WorkerFailures: gethmetrics.NewRegisteredMeter("workserver/worker/failures", registry),
		RequestsTotal:  gethmetrics.NewRegisteredMeter("workserver/rpc/requests", registry),
		RequestLatency: gethmetrics.NewRegisteredTimer("workserver/rpc/latency", registry),
		GPUQuarantines: gethmetrics.NewRegisteredMeter("workserver/gpu/quarantines", registry),
	}
}
