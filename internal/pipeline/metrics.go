package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics mirrors the pipeline counters into Prometheus. A nil
// *metrics records nothing.
type metrics struct {
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wesense_ha",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "State changes handled, by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wesense_ha",
			Subsystem: "pipeline",
			Name:      "output_failures_total",
			Help:      "Readings that could not be delivered, by output.",
		}, []string{"output"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wesense_ha",
			Subsystem: "pipeline",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one state change.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25, 1, 2.5},
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.failures, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) outcome(o Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(o.String()).Inc()
	m.duration.Observe(seconds)
}

func (m *metrics) failure(output string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(output).Inc()
}
