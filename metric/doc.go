// Package metric provides the Prometheus metrics registry for SensorLink.
//
// MetricsRegistry owns a dedicated prometheus.Registry with core metrics
// (component status, errors by class, health, NATS connectivity) and the Go
// runtime collectors. Components register their own collectors under a
// "service.metric" key so duplicate registrations fail early:
//
//	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
//	    Namespace: "sensorlink",
//	    Subsystem: "discovery",
//	    Name:      "cycles_total",
//	    Help:      "Scan cycles by outcome",
//	}, []string{"outcome"})
//	if err := registry.RegisterCounterVec("discovery", "cycles_total", cycles); err != nil {
//	    return err
//	}
//
// Handler exposes the registry in Prometheus text or OpenMetrics format and is
// mounted on the operator HTTP router at /metrics.
package metric
