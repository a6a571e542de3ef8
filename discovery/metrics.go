package discovery

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorlink/metric"
)

// schedulerMetrics is nil-safe; a scheduler without a registry records nothing
type schedulerMetrics struct {
	cycles   *prometheus.CounterVec
	resolved prometheus.Counter
	failed   *prometheus.CounterVec
	pending  prometheus.Gauge
	state    prometheus.Gauge
}

func newSchedulerMetrics(reg metric.MetricsRegistrar) (*schedulerMetrics, error) {
	m := &schedulerMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "discovery",
			Name:      "cycles_total",
			Help:      "Scan cycles by outcome (matched, emptied, timeout, error)",
		}, []string{"outcome"}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "discovery",
			Name:      "jobs_resolved_total",
			Help:      "Scan jobs resolved by a matching advertisement",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "discovery",
			Name:      "jobs_failed_total",
			Help:      "Scan jobs failed by reason",
		}, []string{"reason"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink",
			Subsystem: "discovery",
			Name:      "jobs_pending",
			Help:      "Scan jobs currently pending",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink",
			Subsystem: "discovery",
			Name:      "scan_state",
			Help:      "Scan state (0=not scanning, 1=pending, 2=scanning)",
		}),
	}

	if err := reg.RegisterCounterVec("discovery", "cycles_total", m.cycles); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("discovery", "jobs_resolved_total", m.resolved); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("discovery", "jobs_failed_total", m.failed); err != nil {
		return nil, err
	}
	if err := reg.RegisterGauge("discovery", "jobs_pending", m.pending); err != nil {
		return nil, err
	}
	if err := reg.RegisterGauge("discovery", "scan_state", m.state); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *schedulerMetrics) cycle(outcome string) {
	if m != nil {
		m.cycles.WithLabelValues(outcome).Inc()
	}
}

func (m *schedulerMetrics) jobResolved() {
	if m != nil {
		m.resolved.Inc()
	}
}

func (m *schedulerMetrics) jobFailed(reason string) {
	if m != nil {
		m.failed.WithLabelValues(reason).Inc()
	}
}

func (m *schedulerMetrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *schedulerMetrics) setState(s ScanState) {
	if m != nil {
		m.state.Set(float64(s))
	}
}
