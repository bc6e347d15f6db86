// ABOUTME: HTTP API handlers for agent supervision: list, inspect, start/stop/restart, history
// ABOUTME: Maps supervisor errors onto status codes with JSON error bodies

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/store"
	"github.com/2389/passage-gateway/internal/supervisor"
)

// AgentActionResponse is the JSON response for POST /api/agents/{id}/{action}.
type AgentActionResponse struct {
	Action string             `json:"action"`
	Agent  agent.RuntimeState `json:"agent"`
	Error  string             `json:"error,omitempty"`
}

// writeJSON encodes v as the response body with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// handleListAgents handles GET /api/agents requests.
// It returns the runtime state of every configured agent in config order.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.sync.Agents())
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	st, err := g.sync.Agent(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

// controlAgent runs one lifecycle action against the supervisor.
func (g *Gateway) controlAgent(action, id string) (agent.RuntimeState, error) {
	switch action {
	case "start":
		return g.supervisor.Start(id)
	case "stop":
		return g.supervisor.Stop(id)
	case "restart":
		return g.supervisor.Restart(id)
	default:
		return agent.RuntimeState{}, errUnknownAction
	}
}

var errUnknownAction = errors.New("unknown action")

// handleAgentAction handles POST /api/agents/{id}/{start|stop|restart}.
// A spawn failure is not a request error: the agent's crashed state is
// returned with 200 and the failure in the error field.
func (g *Gateway) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	id := r.PathValue("id")

	st, err := g.controlAgent(action, id)
	switch {
	case errors.Is(err, errUnknownAction):
		g.sendJSONError(w, http.StatusNotFound, "unknown action: "+action)
		return
	case errors.Is(err, supervisor.ErrAgentNotFound):
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	resp := AgentActionResponse{Action: action, Agent: st}
	if err != nil {
		g.logger.Warn("agent action failed", "agent_id", id, "action", action, "error", err)
		resp.Error = err.Error()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleAgentHistory handles GET /api/agents/{id}/history.
// Supports ?limit=N, ?kind=crashed and ?since=<RFC3339> filters.
func (g *Gateway) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := g.supervisor.Descriptor(id); !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotImplemented, "agent history is disabled (no database.path configured)")
		return
	}

	filter := store.AgentEventFilter{AgentID: id}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("kind"); v != "" {
		kind := store.AgentEventKind(v)
		filter.Kind = &kind
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid since (want RFC3339)")
			return
		}
		filter.Since = &since
	}

	evs, err := g.store.ListAgentEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list agent events", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	g.writeJSON(w, http.StatusOK, evs)
}
