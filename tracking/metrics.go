package tracking

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorlink/metric"
)

type sessionMetrics struct {
	envelopes *prometheus.CounterVec
	untracked prometheus.Counter
	active    prometheus.Gauge
}

func newSessionMetrics(reg metric.MetricsRegistrar) (*sessionMetrics, error) {
	m := &sessionMetrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "tracking",
			Name:      "envelopes_total",
			Help:      "Envelopes produced by type",
		}, []string{"type"}),
		untracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "tracking",
			Name:      "untracked_measurements_total",
			Help:      "Measurements discarded because no session was active",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink",
			Subsystem: "tracking",
			Name:      "active",
			Help:      "1 while a tracking session is running",
		}),
	}
	if err := reg.RegisterCounterVec("tracking", "envelopes_total", m.envelopes); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("tracking", "untracked_measurements_total", m.untracked); err != nil {
		return nil, err
	}
	if err := reg.RegisterGauge("tracking", "active", m.active); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *sessionMetrics) envelope(kind string) {
	if m != nil {
		m.envelopes.WithLabelValues(kind).Inc()
	}
}

func (m *sessionMetrics) untrackedMeasurement() {
	if m != nil {
		m.untracked.Inc()
	}
}

func (m *sessionMetrics) setActive(on bool) {
	if m == nil {
		return
	}
	if on {
		m.active.Set(1)
	} else {
		m.active.Set(0)
	}
}
