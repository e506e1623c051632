// Package metrics exposes the process-wide Prometheus collectors spec.md's
// expanded ambient stack calls for (SPEC_FULL.md DOMAIN STACK: "process-wide
// counters: event-bus drops, tool dispatch latency, queue depth"): a
// dropped-event counter for C1, a tool-dispatch latency histogram for C8,
// and a task-queue depth gauge for C12. Collectors live on the default
// Prometheus registry so a single `/metrics` handler in cmd/osa serves all
// of them without threading a registry through every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventBusDropped counts events dropped for buffer overflow, labeled by
// subscriber handle (spec.md §4.1: "on overflow the oldest buffered event
// to that subscriber is dropped with a counter increment").
var EventBusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "osa_eventbus_dropped_total",
	Help: "Events dropped per subscriber due to buffer overflow.",
}, []string{"subscriber"})

// ToolDispatchDuration observes C8 dispatch latency per tool name and
// outcome, used to spot slow or frequently-failing tools.
var ToolDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "osa_tool_dispatch_duration_seconds",
	Help:    "Tool dispatch latency in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"tool", "outcome"})

// TaskQueueDepth reports the current number of tasks per status, sampled by a periodic poller (cmd/osa wires a ticker that calls
// taskqueue.Queue.Depth and sets this gauge — the queue itself has no
// background metrics goroutine, matching its single-writer discipline).
var TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "osa_taskqueue_depth",
	Help: "Current task queue depth by status.",
}, []string{"status"})

// SwarmActive reports the number of swarms currently running.
var SwarmActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "osa_swarm_active",
	Help: "Number of swarms currently executing.",
})
