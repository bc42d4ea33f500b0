package health

import (
	"regexp"
	"time"

	"github.com/c360/activecore/component"
)

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|tcp)://[^\s]+`)
	hostPortRegex   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b|\[[0-9a-fA-F:]+\](?::\d{1,5})?`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health of one component, or of a system when it
// carries sub-statuses
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries the counters a status was derived from
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesPerSecond float64       `json:"messages_per_second,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// FromDiscoverable derives a status from a component's self-reported
// health. A healthy component that has recorded errors is degraded. Error
// text is scrubbed of addresses and credentials before it is exposed.
func FromDiscoverable(name string, d component.Discoverable) Status {
	ch := d.Health()
	flow := d.DataFlow()

	var s Status
	switch {
	case !ch.Healthy:
		s = newStatus(name, StateUnhealthy, "Component not running")
	case ch.ErrorCount > 0:
		s = newStatus(name, StateDegraded, "Component running with errors")
	default:
		s = newStatus(name, StateHealthy, "Component healthy")
	}
	if ch.LastError != "" {
		s.Message = sanitizeErrorMessage(ch.LastError)
	}

	s.Metrics = &Metrics{
		Uptime:            ch.Uptime,
		ErrorCount:        ch.ErrorCount,
		MessagesPerSecond: flow.MessagesPerSecond,
		LastActivity:      flow.LastActivity,
	}
	return s
}

func sanitizeErrorMessage(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = hostPortRegex.ReplaceAllString(msg, "[ADDR]")
	return credentialRegex.ReplaceAllString(msg, "$1=[REDACTED]")
}
