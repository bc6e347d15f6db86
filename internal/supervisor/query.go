// ABOUTME: Read-side supervisor API and the payloads published on agent topics
// ABOUTME: Snapshots come straight from supervisor state, never from a separate cache

package supervisor

import (
	"time"

	"github.com/2389/passage-gateway/internal/agent"
)

// AgentUpdate is the payload of agent:started, agent:stopped, agent:crashed
// and agent:status events.
type AgentUpdate struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       agent.Status `json:"status"`
	PID          int          `json:"pid,omitempty"`
	RestartCount int          `json:"restartCount"`
	LastError    string       `json:"lastError,omitempty"`
}

// HealthUpdate is the payload of agent:health events.
type HealthUpdate struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Verdict   agent.Verdict        `json:"verdict,omitempty"`
	Health    *agent.HealthPayload `json:"health,omitempty"`
	CheckedAt time.Time            `json:"checkedAt"`
}

func agentUpdate(st agent.RuntimeState) AgentUpdate {
	return AgentUpdate{
		ID:           st.ID,
		Name:         st.Name,
		Status:       st.Status,
		PID:          st.PID,
		RestartCount: st.RestartCount,
		LastError:    st.LastError,
	}
}

// State returns a snapshot of one agent.
func (s *Supervisor) State(id string) (agent.RuntimeState, error) {
	e, err := s.get(id)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	return e.snapshot(), nil
}

// States returns snapshots of every agent in configuration order.
func (s *Supervisor) States() []agent.RuntimeState {
	out := make([]agent.RuntimeState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].snapshot())
	}
	return out
}

// StatusMap returns the agents:status payload: agent id to snapshot.
func (s *Supervisor) StatusMap() map[string]agent.RuntimeState {
	out := make(map[string]agent.RuntimeState, len(s.order))
	for _, id := range s.order {
		out[id] = s.entries[id].snapshot()
	}
	return out
}

// Lookup returns what the planner needs to dispatch work to an agent.
func (s *Supervisor) Lookup(id string) (agent.Info, bool) {
	e, ok := s.entries[id]
	if !ok {
		return agent.Info{}, false
	}
	st := e.snapshot()
	return agent.Info{
		ID:       e.desc.ID,
		Name:     st.Name,
		Endpoint: e.desc.Endpoint,
		Status:   st.Status,
	}, true
}

// Descriptor returns the configured descriptor for id.
func (s *Supervisor) Descriptor(id string) (agent.Descriptor, bool) {
	e, ok := s.entries[id]
	if !ok {
		return agent.Descriptor{}, false
	}
	return e.desc, true
}
