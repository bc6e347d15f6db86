// ABOUTME: Agent descriptor, runtime state and status enums for supervised worker processes
// ABOUTME: Descriptors are immutable config; RuntimeState is owned by the supervisor

package agent

import (
	"time"
)

// Status is the supervisor-visible lifecycle state of one agent.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCrashed   Status = "crashed"
	StatusStopping  Status = "stopping"
	StatusExhausted Status = "exhausted"
)

// IsActive reports whether a process is expected to exist for this status.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// ProbeType selects how the health monitor talks to an agent.
type ProbeType string

const (
	ProbeHTTP    ProbeType = "http"
	ProbeGRPC    ProbeType = "grpc"
	ProbeProcess ProbeType = "process"
)

// Verdict is the health monitor's classification of one probe cycle.
type Verdict string

const (
	VerdictUnknown   Verdict = ""
	VerdictHealthy   Verdict = "healthy"
	VerdictDegraded  Verdict = "degraded"
	VerdictUnhealthy Verdict = "unhealthy"
)

// HealthCheck describes the probe endpoint for an agent.
type HealthCheck struct {
	Type    ProbeType
	URL     string // http: full URL; grpc: host:port
	Service string // grpc health service name
}

// Descriptor is the immutable launch and supervision configuration of one agent.
type Descriptor struct {
	ID         string
	Name       string
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string

	// Endpoint is the base URL of the agent's work API.
	Endpoint string
	Health   HealthCheck

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	MaxRestarts         int
	RestartDelay        time.Duration

	Autostart bool
}

// DisplayName returns Name, or ID when no name was configured.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// HealthPayload is the self-reported health of an agent.
type HealthPayload struct {
	Status              string  `json:"status"`
	Uptime              float64 `json:"uptime"`              // seconds
	Memory              uint64  `json:"memory"`              // bytes
	Errors              int64   `json:"errors"`              // error count
	RequestsHandled     int64   `json:"requestsHandled"`     // total requests
	AverageResponseTime float64 `json:"averageResponseTime"` // milliseconds
}

// ErrorRate returns Errors/RequestsHandled, or 0 when nothing was handled.
func (p HealthPayload) ErrorRate() float64 {
	if p.RequestsHandled <= 0 {
		return 0
	}
	return float64(p.Errors) / float64(p.RequestsHandled)
}

// RuntimeState is the mutable supervision state of one agent.
// Values handed out by the supervisor are copies.
type RuntimeState struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Status          Status         `json:"status"`
	PID             int            `json:"pid,omitempty"`
	RestartCount    int            `json:"restartCount"`
	MaxRestarts     int            `json:"maxRestarts"`
	LastStart       time.Time      `json:"lastStart,omitzero"`
	LastHealthCheck time.Time      `json:"lastHealthCheck,omitzero"`
	Verdict         Verdict        `json:"verdict,omitempty"`
	Health          *HealthPayload `json:"health,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
}

// Info is the subset of agent information the planning coordinator needs.
type Info struct {
	ID       string
	Name     string
	Endpoint string
	Status   Status
}
