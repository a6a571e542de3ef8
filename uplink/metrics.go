package uplink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorlink/metric"
)

type uplinkMetrics struct {
	state    prometheus.Gauge
	sent     *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	replayed prometheus.Counter
	attempts *prometheus.CounterVec
	ackTime  prometheus.Histogram
}

func newUplinkMetrics(reg metric.MetricsRegistrar) (*uplinkMetrics, error) {
	m := &uplinkMetrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink",
			Subsystem: "uplink",
			Name:      "state",
			Help:      "Uplink state (0=disconnected, 1=connection lost, 2=connected)",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "uplink",
			Name:      "frames_total",
			Help:      "Frames handed to the broker by result (acked, ack_timeout, error)",
		}, []string{"result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "uplink",
			Name:      "dropped_total",
			Help:      "Envelopes dropped by reason",
		}, []string{"reason"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "uplink",
			Name:      "replayed_frames_total",
			Help:      "Durable frames acknowledged during replay",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "uplink",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by result",
		}, []string{"result"}),
		ackTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensorlink",
			Subsystem: "uplink",
			Name:      "ack_duration_seconds",
			Help:      "Time from publish to broker acknowledgment",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if err := reg.RegisterGauge("uplink", "state", m.state); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("uplink", "frames_total", m.sent); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("uplink", "dropped_total", m.dropped); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("uplink", "replayed_frames_total", m.replayed); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("uplink", "connect_attempts_total", m.attempts); err != nil {
		return nil, err
	}
	if err := reg.RegisterHistogram("uplink", "ack_duration_seconds", m.ackTime); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *uplinkMetrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *uplinkMetrics) frame(result string, seconds float64) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(result).Inc()
	if result == "acked" {
		m.ackTime.Observe(seconds)
	}
}

func (m *uplinkMetrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *uplinkMetrics) replay() {
	if m != nil {
		m.replayed.Inc()
	}
}

func (m *uplinkMetrics) attempt(result string) {
	if m != nil {
		m.attempts.WithLabelValues(result).Inc()
	}
}
