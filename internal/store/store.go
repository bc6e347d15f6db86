// ABOUTME: Store interface and data types for the agent lifecycle audit log
// ABOUTME: AgentEvent records one supervisor transition for one agent

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentEventKind names a recorded supervisor transition.
type AgentEventKind string

const (
	AgentEventSpawned     AgentEventKind = "spawned"
	AgentEventRunning     AgentEventKind = "running"
	AgentEventCrashed     AgentEventKind = "crashed"
	AgentEventRestarting  AgentEventKind = "restarting"
	AgentEventExhausted   AgentEventKind = "exhausted"
	AgentEventStopped     AgentEventKind = "stopped"
	AgentEventSpawnFailed AgentEventKind = "spawn_failed"
)

// AgentEvent is one audit log row.
type AgentEvent struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agentId"`
	Kind         AgentEventKind `json:"kind"`
	Status       string         `json:"status"`
	PID          int            `json:"pid,omitempty"`
	RestartCount int            `json:"restartCount"`
	Detail       string         `json:"detail,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// AgentEventFilter selects audit rows.
type AgentEventFilter struct {
	AgentID string
	Kind    *AgentEventKind
	Since   *time.Time
	Limit   int // default 100, max 1000
}

// Store is the persistence contract used by the gateway.
type Store interface {
	AppendAgentEvent(ctx context.Context, e *AgentEvent) error
	ListAgentEvents(ctx context.Context, f AgentEventFilter) ([]*AgentEvent, error)
	Close() error
}
