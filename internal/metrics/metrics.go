// Package metrics exposes the Framer's tick-level Prometheus collectors
// (spec.md §10 "Monitoring"): tick duration, back-pressure retries, and
// library/session gauge counts, scraped the same way the rest of the pack
// exposes Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric DoWork updates once per tick.
type Collectors struct {
	TickDuration     prometheus.Histogram
	BackPressureHits prometheus.Counter
	RetryQueueDepth  prometheus.Gauge
	LibraryCount     prometheus.Gauge
	SessionCount     prometheus.Gauge
}

// NewCollectors registers a fresh set of collectors against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "framer",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of a single DoWork tick.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12),
		}),
		BackPressureHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framer",
			Name:      "back_pressure_hits_total",
			Help:      "Count of Abort actions returned due to Publication Bus back-pressure.",
		}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framer",
			Name:      "retry_queue_depth",
			Help:      "Number of back-pressured commands currently queued for retry.",
		}),
		LibraryCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framer",
			Name:      "connected_libraries",
			Help:      "Number of libraries currently connected to the Framer.",
		}),
		SessionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framer",
			Name:      "engine_held_sessions",
			Help:      "Number of FIX sessions currently held by the engine.",
		}),
	}
	reg.MustRegister(c.TickDuration, c.BackPressureHits, c.RetryQueueDepth, c.LibraryCount, c.SessionCount)
	return c
}
