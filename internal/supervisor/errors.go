// ABOUTME: Supervisor error values and the restart budget exhaustion error
// ABOUTME: Budget exhaustion is terminal per agent until a manual start

package supervisor

import (
	"errors"
	"fmt"
)

// ErrAgentNotFound indicates the agent id is not configured.
var ErrAgentNotFound = errors.New("agent not found")

// RestartBudgetExhaustedError reports that an agent crashed with no restart
// budget left.
type RestartBudgetExhaustedError struct {
	AgentID     string
	MaxRestarts int
	Cause       error
}

func (e *RestartBudgetExhaustedError) Error() string {
	return fmt.Sprintf("agent %s exhausted its restart budget (%d restarts): %v", e.AgentID, e.MaxRestarts, e.Cause)
}

func (e *RestartBudgetExhaustedError) Unwrap() error { return e.Cause }
