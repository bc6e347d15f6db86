// ABOUTME: Snapshot reader answering poll queries straight from the authoritative registries
// ABOUTME: Holds no cached state so poll and push can never drift apart

package broadcast

import (
	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/planning"
)

// AgentSource is the supervisor's read API.
type AgentSource interface {
	State(id string) (agent.RuntimeState, error)
	States() []agent.RuntimeState
	StatusMap() map[string]agent.RuntimeState
}

// SessionSource is the planning coordinator's read API.
type SessionSource interface {
	Snapshot(requestID string) (planning.Snapshot, error)
	ListSessions() []planning.Snapshot
}

// Sync answers point-in-time queries for polling clients.
type Sync struct {
	agents   AgentSource
	sessions SessionSource
}

// NewSync creates a Sync over the given registries.
func NewSync(agents AgentSource, sessions SessionSource) *Sync {
	return &Sync{agents: agents, sessions: sessions}
}

// Agent returns one agent's current state.
func (s *Sync) Agent(id string) (agent.RuntimeState, error) {
	return s.agents.State(id)
}

// Agents returns every agent's current state in configuration order.
func (s *Sync) Agents() []agent.RuntimeState {
	return s.agents.States()
}

// StatusMap is the agents:status payload.
func (s *Sync) StatusMap() map[string]agent.RuntimeState {
	return s.agents.StatusMap()
}

// Session returns one planning session's current state.
func (s *Sync) Session(requestID string) (planning.Snapshot, error) {
	return s.sessions.Snapshot(requestID)
}

// Sessions lists retained planning sessions, newest first.
func (s *Sync) Sessions() []planning.Snapshot {
	return s.sessions.ListSessions()
}
