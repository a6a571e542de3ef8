// Package health tracks component health for the operator API.
//
// A Monitor holds one Status per component. Components either push updates
// (Update, UpdateHealthy, UpdateDegraded, UpdateUnhealthy) or register a
// Probe that Refresh calls. AggregateHealth rolls everything up: any
// unhealthy component makes the system unhealthy, otherwise any degraded
// component makes it degraded.
//
// The mappers turn relay state into statuses:
//
//	monitor.Register("devices", func(ctx context.Context) health.Status {
//		connected, total := devices.Counts()
//		return health.FromDeviceCounts("devices", connected, total)
//	})
//	monitor.Register("uplink", func(ctx context.Context) health.Status {
//		pending, _ := up.Pending(ctx)
//		return health.FromUplinkState("uplink", up.State().String(), pending, up.Err())
//	})
//
// Error text is sanitized before it reaches a Status so URLs, paths,
// addresses and credentials are never served.
package health
