package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report dispatch activity.
type Metrics struct {
	assigned      prometheus.Counter
	races         prometheus.Counter
	queueDepth    prometheus.Gauge
	assignLatency prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (tests).
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		assigned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetcore",
				Subsystem: "dispatch",
				Name:      "assignments_total",
				Help:      "Tasks successfully assigned to agents.",
			},
		),
		races: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetcore",
				Subsystem: "dispatch",
				Name:      "assignment_races_total",
				Help:      "Assignment attempts abandoned after losing a CAS race.",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetcore",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Queued tasks awaiting assignment.",
			},
		),
		assignLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fleetcore",
				Subsystem: "dispatch",
				Name:      "assignment_latency_seconds",
				Help:      "Time from enqueue to assignment.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
	}

	for _, c := range []prometheus.Collector{m.assigned, m.races, m.queueDepth, m.assignLatency} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
	return m
}

// IncAssigned counts a successful assignment.
func (m *Metrics) IncAssigned() {
	if m == nil {
		return
	}
	m.assigned.Inc()
}

// IncRace counts an assignment abandoned after a CAS race.
func (m *Metrics) IncRace() {
	if m == nil {
		return
	}
	m.races.Inc()
}

// SetQueueDepth records the current backlog depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// ObserveAssignLatency records time from enqueue to assignment.
func (m *Metrics) ObserveAssignLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.assignLatency.Observe(d.Seconds())
}
