package health

import (
	"context"
	"sync"
	"time"
)

// Probe reports the current status of one component
type Probe func(ctx context.Context) Status

// Monitor tracks health of multiple components. Statuses are either pushed
// with Update or pulled from registered probes on Refresh.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	probes   map[string]Probe
	started  time.Time
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		probes:   make(map[string]Probe),
		started:  time.Now(),
	}
}

// Register adds a probe for name, replacing any existing one
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Update stores the status for name
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateLocked(name, status)
}

func (m *Monitor) updateLocked(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy marks name healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks name unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks name degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Refresh runs every probe and stores its result
func (m *Monitor) Refresh(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	results := make(map[string]Status, len(probes))
	for name, probe := range probes {
		results[name] = probe(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, status := range results {
		m.updateLocked(name, status)
	}
}

// Run refreshes the probes every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	m.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Get retrieves the status for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of all current statuses
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status
	}
	return result
}

// Remove stops tracking name and drops its probe
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.probes, name)
}

// AggregateHealth rolls every status up under systemName, with uptime
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	started := m.started
	m.mu.RUnlock()

	return Aggregate(systemName, subs).WithMetrics(&Metrics{Uptime: time.Since(started)})
}

// Count returns the number of components being tracked
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
