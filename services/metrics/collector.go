package metricsvc

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/masomo-offline/core/syncengine"
)

const namespace = "masomo_sync"

// Collector exposes sync cycles as prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	cycles   *prometheus.CounterVec
	actions  *prometheus.CounterVec
	pulled   *prometheus.CounterVec
	pending  *prometheus.GaugeVec
	inFlight prometheus.Gauge
	duration *prometheus.HistogramVec
}

var _ syncengine.Observer = (*Collector)(nil) // interface compliance check

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by school and outcome.",
		}, []string{"school", "outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Queue entries processed by school and result.",
		}, []string{"school", "result"}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulled_total",
			Help:      "Server-side changes folded into the local store.",
		}, []string{"school"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Queue entries left after the last cycle.",
		}, []string{"school"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycles_in_flight",
			Help:      "Sync cycles currently running.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"school"}),
	}
	c.registry.MustRegister(c.cycles, c.actions, c.pulled, c.pending, c.inFlight, c.duration)
	return c
}

func (c *Collector) SyncStarted(string) {
	c.inFlight.Inc()
}

func (c *Collector) SyncFinished(schoolID string, res syncengine.Result, elapsed time.Duration) {
	c.inFlight.Dec()

	outcome := "success"
	if !res.Success {
		outcome = "error"
	}
	c.cycles.WithLabelValues(schoolID, outcome).Inc()
	c.actions.WithLabelValues(schoolID, "synced").Add(float64(res.SyncedCount))
	c.actions.WithLabelValues(schoolID, "failed").Add(float64(res.FailedCount))
	c.actions.WithLabelValues(schoolID, "held").Add(float64(res.HeldCount))
	c.pulled.WithLabelValues(schoolID).Add(float64(res.PulledCount))
	c.pending.WithLabelValues(schoolID).Set(float64(res.PendingCount))
	c.duration.WithLabelValues(schoolID).Observe(elapsed.Seconds())
}

// Registry is exposed for scraping in tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
