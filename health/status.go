package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	macAddrRegex     = regexp.MustCompile(`\b[0-9A-Fa-f]{2}(?:[:-][0-9A-Fa-f]{2}){5}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Health levels
const (
	LevelHealthy   = "healthy"
	LevelDegraded  = "degraded"
	LevelUnhealthy = "unhealthy"
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related counters
type Metrics struct {
	Uptime       time.Duration `json:"uptime,omitempty"`
	ErrorCount   int           `json:"error_count,omitempty"`
	Connected    int           `json:"connected,omitempty"`
	Total        int           `json:"total,omitempty"`
	Pending      int           `json:"pending,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == LevelHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == LevelDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == LevelUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// sanitizeErrorMessage strips URLs, paths, addresses, ports and credentials
// from error text before it is served by the operator API
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// URLs contain paths, so they go first
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	// Device addresses before ports, or ":01" reads as a port.
	sanitized = macAddrRegex.ReplaceAllString(sanitized, "[MAC]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromDeviceCounts maps device connectivity to a status: all connected is
// healthy, none connected is unhealthy, anything between is degraded. An
// empty inventory is healthy.
func FromDeviceCounts(name string, connected, total int) Status {
	var status Status
	switch {
	case total == 0:
		status = NewHealthy(name, "no devices registered")
	case connected >= total:
		status = NewHealthy(name, fmt.Sprintf("%d/%d devices connected", connected, total))
	case connected == 0:
		status = NewUnhealthy(name, fmt.Sprintf("0/%d devices connected", total))
	default:
		status = NewDegraded(name, fmt.Sprintf("%d/%d devices connected", connected, total))
	}
	return status.WithMetrics(&Metrics{Connected: connected, Total: total})
}

// FromUplinkState maps the uplink state name to a status. CONNECTION_LOST is
// degraded since envelopes are still buffered; DISCONNECTED is unhealthy.
func FromUplinkState(name, state string, pending int, lastErr error) Status {
	var status Status
	switch state {
	case "CONNECTED":
		status = NewHealthy(name, "uplink connected")
	case "CONNECTION_LOST":
		msg := "uplink connection lost, buffering"
		if lastErr != nil {
			msg += ": " + sanitizeErrorMessage(lastErr.Error())
		}
		status = NewDegraded(name, msg)
	default:
		msg := "uplink disconnected"
		if lastErr != nil {
			msg += ": " + sanitizeErrorMessage(lastErr.Error())
		}
		status = NewUnhealthy(name, msg)
	}
	return status.WithMetrics(&Metrics{Pending: pending})
}

// FromError is healthy for a nil error and unhealthy otherwise
func FromError(name string, err error) Status {
	if err == nil {
		return NewHealthy(name, "ok")
	}
	return NewUnhealthy(name, sanitizeErrorMessage(err.Error()))
}
