// Package metrics exposes prometheus instrumentation for the flashing
// pipeline: job state transitions, active pipeline count, bytes pushed
// to devices and event-bus fan-out health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobTransitions counts every job state transition by target state.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "janus",
		Name:      "job_transitions_total",
		Help:      "Job state transitions by target state.",
	}, []string{"state"})

	// ActivePipelines tracks pipelines currently holding an admission
	// slot. Bounded by the batch concurrency.
	ActivePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "janus",
		Name:      "active_pipelines",
		Help:      "Pipelines currently past admission and not yet terminal.",
	})

	// BytesWritten accumulates bytes reported copied by write stages.
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "janus",
		Name:      "bytes_written_total",
		Help:      "Bytes written to target devices across all jobs.",
	})

	// EventSubscribers tracks the current SSE subscriber count.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "janus",
		Name:      "event_subscribers",
		Help:      "Active event-stream subscribers.",
	})

	// BatchesStarted counts accepted batch start requests.
	BatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "janus",
		Name:      "batches_started_total",
		Help:      "Batch start requests accepted.",
	})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
