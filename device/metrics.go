package device

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorlink/metric"
)

// Metrics is shared by every connection registered against one registry.
// A nil *Metrics records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	losses       *prometheus.CounterVec
	measurements *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	connected    prometheus.Gauge
}

// NewMetrics registers device metrics with reg
func NewMetrics(reg metric.MetricsRegistrar) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "device",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"kind", "state"}),
		losses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "device",
			Name:      "link_losses_total",
			Help:      "Unexpected link losses by reason (closed, malformed, forced)",
		}, []string{"kind", "reason"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "device",
			Name:      "measurements_total",
			Help:      "Measurements emitted by sensor kind",
		}, []string{"sensor"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "device",
			Name:      "malformed_frames_total",
			Help:      "Frames that failed to decode",
		}, []string{"kind"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink",
			Subsystem: "device",
			Name:      "connected",
			Help:      "Devices currently in the CONNECTED state",
		}),
	}

	if err := reg.RegisterCounterVec("device", "state_transitions_total", m.transitions); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("device", "link_losses_total", m.losses); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("device", "measurements_total", m.measurements); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("device", "malformed_frames_total", m.malformed); err != nil {
		return nil, err
	}
	if err := reg.RegisterGauge("device", "connected", m.connected); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) transition(kind string, from, to ConnectionState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, to.String()).Inc()
	switch {
	case to == StateConnected && from != StateConnected:
		m.connected.Inc()
	case from == StateConnected && to != StateConnected:
		m.connected.Dec()
	}
}

func (m *Metrics) loss(kind, reason string) {
	if m != nil {
		m.losses.WithLabelValues(kind, reason).Inc()
	}
}

func (m *Metrics) measurement(sensor string) {
	if m != nil {
		m.measurements.WithLabelValues(sensor).Inc()
	}
}

func (m *Metrics) malformedFrame(kind string) {
	if m != nil {
		m.malformed.WithLabelValues(kind).Inc()
	}
}
