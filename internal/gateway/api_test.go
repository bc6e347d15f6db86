// ABOUTME: Tests for the agent HTTP API: listing, lookup, lifecycle actions and audit history
// ABOUTME: Drives a real Gateway over httptest with fake agent processes

package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/store"
)

func TestListAgents(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	agents := decodeBody[[]agent.RuntimeState](t, resp)
	require.Len(t, agents, 3)
	assert.Equal(t, []string{"route", "weather", "wind"}, []string{agents[0].ID, agents[1].ID, agents[2].ID})
	assert.Equal(t, "Route Agent", agents[0].Name)
	assert.Equal(t, "wind", agents[2].Name)
	for _, a := range agents {
		assert.Equal(t, agent.StatusStopped, a.Status)
		assert.Equal(t, 3, a.MaxRestarts)
	}
}

func TestGetAgent(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/api/agents/weather", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[agent.RuntimeState](t, resp)
	assert.Equal(t, "weather", st.ID)

	resp = tg.do(t, http.MethodGet, "/api/agents/kraken", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "agent not found", decodeBody[map[string]string](t, resp)["error"])
}

func TestAgentActions(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodPost, "/api/agents/route/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decodeBody[AgentActionResponse](t, resp)
	assert.Equal(t, "start", started.Action)
	assert.Contains(t, []agent.Status{agent.StatusStarting, agent.StatusRunning}, started.Agent.Status)
	assert.Empty(t, started.Error)
	tg.waitStatus(t, "route", agent.StatusRunning)

	resp = tg.do(t, http.MethodPost, "/api/agents/route/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	restarted := decodeBody[AgentActionResponse](t, resp)
	assert.Equal(t, 0, restarted.Agent.RestartCount)
	tg.waitStatus(t, "route", agent.StatusRunning)

	resp = tg.do(t, http.MethodPost, "/api/agents/route/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stopped := decodeBody[AgentActionResponse](t, resp)
	assert.Equal(t, agent.StatusStopped, stopped.Agent.Status)
}

func TestAgentActions_Errors(t *testing.T) {
	tg := newTestGateway(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown agent", "/api/agents/kraken/start", http.StatusNotFound},
		{"unknown action", "/api/agents/route/explode", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tg.do(t, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decodeBody[map[string]string](t, resp)["error"])
		})
	}

	resp := tg.do(t, http.MethodGet, "/api/agents/route/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAgentHistory(t *testing.T) {
	tg := newTestGateway(t)

	_, err := tg.supervisor.Start("route")
	require.NoError(t, err)
	tg.waitStatus(t, "route", agent.StatusRunning)
	_, err = tg.supervisor.Stop("route")
	require.NoError(t, err)

	resp := tg.do(t, http.MethodGet, "/api/agents/route/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[[]store.AgentEvent](t, resp)
	kinds := make([]store.AgentEventKind, 0, len(history))
	for _, ev := range history {
		assert.Equal(t, "route", ev.AgentID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []store.AgentEventKind{store.AgentEventStopped, store.AgentEventRunning, store.AgentEventSpawned}, kinds)

	resp = tg.do(t, http.MethodGet, "/api/agents/route/history?kind=running&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history = decodeBody[[]store.AgentEvent](t, resp)
	require.Len(t, history, 1)
	assert.Equal(t, store.AgentEventRunning, history[0].Kind)

	resp = tg.do(t, http.MethodGet, "/api/agents/weather/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]store.AgentEvent](t, resp))
}

func TestAgentHistory_Errors(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/api/agents/kraken/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/api/agents/route/history?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/api/agents/route/history?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentHistory_DisabledWithoutDatabase(t *testing.T) {
	tg := newTestGateway(t, withoutDatabase)

	resp := tg.do(t, http.MethodGet, "/api/agents/route/history", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
