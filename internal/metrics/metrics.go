// Package metrics exposes the coordinator's Prometheus counters, gauges,
// and histogram: job lifecycle transitions, reap activity, and
// claim-to-finish latency, scraped from the /metrics endpoint.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashikurrafi/job-distributor/pkg/types"
)

// Collector collects the coordinator's Prometheus metrics.
type Collector struct {
	jobsClaimed  prometheus.Counter
	jobsDone     prometheus.Counter
	jobsAborted  prometheus.Counter
	jobsReaped   *prometheus.CounterVec
	claimLatency prometheus.Histogram

	statusGauge *prometheus.GaugeVec
}

// NewCollector creates a new metrics collector and registers it against
// the default Prometheus registerer.
func NewCollector() *Collector {
	c := &Collector{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobdist_jobs_claimed_total",
			Help: "Total number of jobs claimed by request_job",
		}),
		jobsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobdist_jobs_done_total",
			Help: "Total number of jobs reported DONE",
		}),
		jobsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobdist_jobs_aborted_total",
			Help: "Total number of jobs reported ABORTED",
		}),
		jobsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobdist_jobs_reaped_total",
			Help: "Total number of jobs reverted to PENDING by the reaper, by prior status",
		}, []string{"prior_status"}),
		claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobdist_claim_to_finish_seconds",
			Help:    "Time between a job being claimed and reported DONE or ABORTED",
			Buckets: prometheus.DefBuckets,
		}),
		statusGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobdist_jobs_by_status",
			Help: "Current number of jobs in each status",
		}, []string{"status"}),
	}

	prometheus.MustRegister(c.jobsClaimed)
	prometheus.MustRegister(c.jobsDone)
	prometheus.MustRegister(c.jobsAborted)
	prometheus.MustRegister(c.jobsReaped)
	prometheus.MustRegister(c.claimLatency)
	prometheus.MustRegister(c.statusGauge)

	return c
}

// RecordClaim records a successful request_job claim.
func (c *Collector) RecordClaim() {
	c.jobsClaimed.Inc()
}

// RecordFinish records a job finishing as DONE or ABORTED, along with the
// elapsed time since it was claimed.
func (c *Collector) RecordFinish(status types.Status, latencySeconds float64) {
	switch status {
	case types.StatusDone:
		c.jobsDone.Inc()
	case types.StatusAborted:
		c.jobsAborted.Inc()
	}
	c.claimLatency.Observe(latencySeconds)
}

// RecordReap records the reaper reverting n jobs of the given prior
// status back to PENDING. Satisfies the reaper package's metricsSink
// interface.
func (c *Collector) RecordReap(status types.Status, n int) {
	c.jobsReaped.WithLabelValues(string(status)).Add(float64(n))
}

// SetStatusCounts publishes the current job count per status, overwriting
// any previous values.
func (c *Collector) SetStatusCounts(counts types.StatusCounts) {
	c.statusGauge.WithLabelValues(string(types.StatusPending)).Set(float64(counts.Pending))
	c.statusGauge.WithLabelValues(string(types.StatusServed)).Set(float64(counts.Served))
	c.statusGauge.WithLabelValues(string(types.StatusDone)).Set(float64(counts.Done))
	c.statusGauge.WithLabelValues(string(types.StatusAborted)).Set(float64(counts.Aborted))
}

// Handler returns the promhttp handler for mounting under /metrics on a
// caller-owned http.Server, so the coordinator can shut it down alongside
// its other listeners instead of leaking a bare http.ListenAndServe.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts a standalone Prometheus metrics HTTP server on
// port. It blocks until the server stops; used by callers that don't
// need shutdown coordination with another listener.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
