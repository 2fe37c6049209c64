// Package metrics exposes Prometheus gauges and counters for the single
// job this process supervises. Unlike a multi-tenant coordinator, there
// is exactly one job, one concurrency cap, and one catalog cache
// lifetime per process, so the metrics are process-scoped rather than
// labeled by queue/worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveContainers is the current live-container count (Submit accepted
	// minus Finished* processed). Must never go negative; see spec §3.
	LiveContainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_live_containers",
			Help: "Number of containers currently running for this job",
		},
	)

	SubjobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_subjobs_submitted_total",
			Help: "Total number of subjobs submitted via the callback endpoint",
		},
	)

	SubjobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_subjobs_finished_total",
			Help: "Total number of subjob completions, by outcome",
		},
		[]string{"outcome"}, // ok, output_not_found, error
	)

	ProvenanceActions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_provenance_actions_total",
			Help: "Total number of provenance actions recorded",
		},
	)

	CatalogLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_catalog_lookups_total",
			Help: "Catalog cache lookups, by hit/miss",
		},
		[]string{"result"}, // hit, miss
	)

	UpstreamPollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_upstream_poll_errors_total",
			Help: "Transient check_job_canceled poll failures swallowed by the watch loop",
		},
	)

	JobOutcome = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_job_terminal_total",
			Help: "Incremented once when the supervisor loop reaches a terminal outcome",
		},
	)

	ResourceCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_process_cpu_percent",
			Help: "CPU usage percentage of the supervisor process",
		},
	)

	ResourceMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_process_memory_bytes",
			Help: "Resident memory of the supervisor process in bytes",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler, mounted on the
// callback endpoint at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetLiveContainers sets the live-container gauge to the given count.
func SetLiveContainers(n int) {
	LiveContainers.Set(float64(n))
}

// RecordCatalogLookup records a catalog cache hit or miss.
func RecordCatalogLookup(hit bool) {
	if hit {
		CatalogLookups.WithLabelValues("hit").Inc()
		return
	}
	CatalogLookups.WithLabelValues("miss").Inc()
}

// RecordSubjobFinished records a subjob completion outcome.
func RecordSubjobFinished(outcome string) {
	SubjobsFinished.WithLabelValues(outcome).Inc()
}

// RecordResourceUsage updates the process-level resource gauges.
func RecordResourceUsage(cpuPercent, memoryBytes float64) {
	ResourceCPUPercent.Set(cpuPercent)
	ResourceMemoryBytes.Set(memoryBytes)
}
