// ABOUTME: Planning session, activity and plan type definitions
// ABOUTME: Also the payloads published on session topics

package planning

import (
	"encoding/json"
	"time"
)

// Status is a planning session state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusFanningOut   Status = "fanning-out"
	StatusAggregating  Status = "aggregating"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether no further transition can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// ordinal orders statuses along the lifecycle. Terminal states share the
// highest rank.
func (s Status) ordinal() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInitializing:
		return 1
	case StatusFanningOut:
		return 2
	case StatusAggregating:
		return 3
	default:
		return 4
	}
}

// ActivityStatus is the state reported in one agent activity event.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityActive    ActivityStatus = "active"
	ActivityCompleted ActivityStatus = "completed"
	ActivityError     ActivityStatus = "error"
)

// IsTerminal reports whether the agent is done for this session.
func (a ActivityStatus) IsTerminal() bool {
	return a == ActivityCompleted || a == ActivityError
}

// ActivityEvent is one entry in a session's append-only activity log.
type ActivityEvent struct {
	AgentID   string         `json:"agentId"`
	AgentName string         `json:"agentName"`
	Status    ActivityStatus `json:"status"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PlanAgent is one agent participating in a plan type.
type PlanAgent struct {
	ID        string
	Mandatory bool
}

// PlanType lists the agents a request type fans out to. Zero timeouts fall
// back to the coordinator defaults.
type PlanType struct {
	Name         string
	Agents       []PlanAgent
	Timeout      time.Duration
	AgentTimeout time.Duration
}

// Request is a planning submission.
type Request struct {
	PlanType  string         `json:"planType"`
	Params    map[string]any `json:"params,omitempty"`
	Requester string         `json:"requester,omitempty"`
	// IdempotencyKey maps retried submissions onto the first session.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// PassagePlan is the merged result of a completed session.
type PassagePlan struct {
	RequestID string                     `json:"requestId"`
	PlanType  string                     `json:"planType"`
	Params    map[string]any             `json:"params,omitempty"`
	Results   map[string]json.RawMessage `json:"results"`
	// Failed lists optional agents that did not contribute, with the reason.
	Failed      map[string]string `json:"failed,omitempty"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// Snapshot is a point-in-time copy of a session, as served to pollers.
type Snapshot struct {
	RequestID   string          `json:"requestId"`
	PlanType    string          `json:"planType"`
	Requester   string          `json:"requester,omitempty"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Revision    uint64          `json:"revision"`
	PassagePlan *PassagePlan    `json:"passagePlan,omitempty"`
	Error       string          `json:"error,omitempty"`
	Activity    []ActivityEvent `json:"activity"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
}

// NotOlderThan reports whether s reflects at least the state described by
// the given progress, status and revision.
func (s Snapshot) NotOlderThan(progress int, status Status, revision uint64) bool {
	return s.Revision >= revision && s.Progress >= progress && s.Status.ordinal() >= status.ordinal()
}

// ProgressPayload is published as passage_progress.
type ProgressPayload struct {
	RequestID   string         `json:"requestId"`
	Progress    int            `json:"progress"`
	Status      Status         `json:"status"`
	Revision    uint64         `json:"revision"`
	AgentUpdate *ActivityEvent `json:"agentUpdate,omitempty"`
}

// CompletedPayload is published as passage_completed.
type CompletedPayload struct {
	RequestID   string       `json:"requestId"`
	Revision    uint64       `json:"revision"`
	PassagePlan *PassagePlan `json:"passagePlan"`
}

// ErrorPayload is published as passage_error.
type ErrorPayload struct {
	RequestID string `json:"requestId"`
	Revision  uint64 `json:"revision"`
	Error     string `json:"error"`
}
