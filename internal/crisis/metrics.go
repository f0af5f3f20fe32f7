package crisis

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report pipeline activity.
type Metrics struct {
	raised     *prometheus.CounterVec
	reemitted  prometheus.Counter
	escalated  prometheus.Counter
	queueDepth prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Created once to avoid duplicate
// registration panics when the pipeline is instantiated multiple times.
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
		raised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetcore",
				Subsystem: "crisis",
				Name:      "events_raised_total",
				Help:      "Total crisis events raised, by severity and category.",
			},
			[]string{"severity", "category"},
		),
		reemitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetcore",
				Subsystem: "crisis",
				Name:      "events_reemitted_total",
				Help:      "RED events re-emitted after a missed acknowledgement budget.",
			},
		),
		escalated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetcore",
				Subsystem: "crisis",
				Name:      "human_escalations_total",
				Help:      "Escalation records handed to the human notification channel.",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetcore",
				Subsystem: "crisis",
				Name:      "queue_depth",
				Help:      "Crisis events awaiting processing.",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.raised, m.reemitted, m.escalated, m.queueDepth} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
	return m
}

// IncRaised increments the raised counter for the given severity and category.
func (m *Metrics) IncRaised(severity, category string) {
	if m == nil {
		return
	}
	m.raised.WithLabelValues(severity, category).Inc()
}

// IncReemitted increments the re-emit counter.
func (m *Metrics) IncReemitted() {
	if m == nil {
		return
	}
	m.reemitted.Inc()
}

// IncEscalated increments the human-escalation counter.
func (m *Metrics) IncEscalated() {
	if m == nil {
		return
	}
	m.escalated.Inc()
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
