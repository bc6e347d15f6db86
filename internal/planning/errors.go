// ABOUTME: Planning error values and the timeout and cancellation error types
// ABOUTME: Cancellation is a terminal outcome distinct from error

package planning

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound indicates the request id is unknown or was evicted.
	ErrSessionNotFound = errors.New("planning session not found")

	// ErrUnknownPlanType indicates no plan is configured for the requested type.
	ErrUnknownPlanType = errors.New("unknown plan type")

	// ErrSessionTerminal is returned when cancelling an already finished session.
	ErrSessionTerminal = errors.New("planning session already finished")

	// ErrShuttingDown is returned for submissions after Shutdown began.
	ErrShuttingDown = errors.New("planning coordinator shutting down")
)

// PlanningTimeoutError reports a session or a single agent dispatch that
// exceeded its allotted time. AgentID is empty for a session timeout.
type PlanningTimeoutError struct {
	RequestID string
	AgentID   string
	Timeout   time.Duration
}

func (e *PlanningTimeoutError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("planning session %s timed out after %s", e.RequestID, e.Timeout)
	}
	return fmt.Sprintf("agent %s timed out after %s", e.AgentID, e.Timeout)
}

// PlanningCancelledError marks a session that ended by cancellation.
type PlanningCancelledError struct {
	RequestID string
}

func (e *PlanningCancelledError) Error() string {
	return fmt.Sprintf("planning session %s cancelled", e.RequestID)
}

// AgentError is a failed work item reported by one agent.
type AgentError struct {
	AgentID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }
