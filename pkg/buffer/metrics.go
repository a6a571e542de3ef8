package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorlink/metric"
)

// bufferMetrics is nil-safe
type bufferMetrics struct {
	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry metric.MetricsRegistrar, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink", Subsystem: "buffer", Name: "writes_total",
			ConstLabels: labels, Help: "Items written to the buffer",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink", Subsystem: "buffer", Name: "reads_total",
			ConstLabels: labels, Help: "Items read or drained from the buffer",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink", Subsystem: "buffer", Name: "drops_total",
			ConstLabels: labels, Help: "Items dropped by the overflow policy",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink", Subsystem: "buffer", Name: "size",
			ConstLabels: labels, Help: "Current number of items in the buffer",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink", Subsystem: "buffer", Name: "utilization",
			ConstLabels: labels, Help: "Buffer utilization (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(n, size, capacity int) {
	if m == nil {
		return
	}
	m.reads.Add(float64(n))
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
