// Package metrics exposes controller counters and gauges in Prometheus
// format. Money stays decimal everywhere else; the float conversion
// here is for observability only.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the controller's metric set on a private registry so
// multiple instances (tests) never collide.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobsActive     prometheus.Gauge
	ticksBilled    prometheus.Counter
	creditsBilled  prometheus.Counter
	heartbeats     prometheus.Counter
	heartbeatSkew  prometheus.Counter
	killsRequested *prometheus.CounterVec
	killEscalated  prometheus.Counter
	watchdogFired  prometheus.Counter
}

// NewCollector creates and registers the controller metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridforge_jobs_submitted_total",
			Help: "Total number of jobs accepted for dispatch",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridforge_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state",
		}, []string{"status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridforge_jobs_active",
			Help: "Current number of non-terminal jobs",
		}),
		ticksBilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridforge_ticks_billed_total",
			Help: "Total number of metering intervals debited",
		}),
		creditsBilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridforge_credits_billed_total",
			Help: "Total credits debited across all jobs",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridforge_heartbeats_total",
			Help: "Total billing heartbeats received",
		}),
		heartbeatSkew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridforge_heartbeat_sequence_errors_total",
			Help: "Heartbeats rejected for tick sequence gaps",
		}),
		killsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridforge_kills_requested_total",
			Help: "Total kill decisions recorded",
		}, []string{"reason"}),
		killEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridforge_kill_escalations_total",
			Help: "Kills force-finalized after the ack timeout",
		}),
		watchdogFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridforge_heartbeat_timeouts_total",
			Help: "Jobs failed by the heartbeat watchdog",
		}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted, c.jobsFinished, c.jobsActive,
		c.ticksBilled, c.creditsBilled,
		c.heartbeats, c.heartbeatSkew,
		c.killsRequested, c.killEscalated, c.watchdogFired,
	)
	return c
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordSubmit() { c.jobsSubmitted.Inc(); c.jobsActive.Inc() }

func (c *Collector) RecordFinished(status string) {
	c.jobsFinished.WithLabelValues(status).Inc()
	c.jobsActive.Dec()
}

// RecordTick records one debited interval and its cost.
func (c *Collector) RecordTick(cost float64) {
	c.ticksBilled.Inc()
	c.creditsBilled.Add(cost)
}

func (c *Collector) RecordHeartbeat() { c.heartbeats.Inc() }

func (c *Collector) RecordSequenceError() { c.heartbeatSkew.Inc() }

func (c *Collector) RecordKill(reason string) { c.killsRequested.WithLabelValues(reason).Inc() }

func (c *Collector) RecordEscalation() { c.killEscalated.Inc() }

func (c *Collector) RecordWatchdogTimeout() { c.watchdogFired.Inc() }
