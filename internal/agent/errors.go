// ABOUTME: Typed errors for process launch failures and unexpected exits
// ABOUTME: SpawnError never consumes restart budget; CrashError always does

package agent

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned when Start is called twice on one Handle.
var ErrAlreadyStarted = errors.New("agent process already started")

// SpawnError reports that the launch command could not be executed.
type SpawnError struct {
	AgentID string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning agent %s (%s): %v", e.AgentID, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CrashError reports an exit that nobody asked for.
type CrashError struct {
	AgentID  string
	PID      int
	ExitCode int
	Err      error
}

func (e *CrashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s (pid %d) exited unexpectedly with code %d: %v", e.AgentID, e.PID, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("agent %s (pid %d) exited unexpectedly with code %d", e.AgentID, e.PID, e.ExitCode)
}

func (e *CrashError) Unwrap() error { return e.Err }
