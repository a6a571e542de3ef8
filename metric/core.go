package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorlink"

// Metrics contains the process-wide metrics shared by every component
type Metrics struct {
	ComponentStatus *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	HealthStatus    *prometheus.GaugeVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health status (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"component"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.ComponentStatus,
		c.ErrorsTotal,
		c.HealthStatus,
		c.NATSConnected,
		c.NATSReconnects,
	)
}

// RecordComponentStatus records a component lifecycle status
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordError counts an error of the given class
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealth records a health level (0 unhealthy, 1 degraded, 2 healthy)
func (c *Metrics) RecordHealth(component string, level int) {
	c.HealthStatus.WithLabelValues(component).Set(float64(level))
}

// RecordNATSStatus records NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

// RecordNATSReconnect counts a NATS reconnection
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
