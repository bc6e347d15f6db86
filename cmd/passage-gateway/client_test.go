// ABOUTME: Tests for the client commands' parsing, HTTP client and session polling
// ABOUTME: Uses an httptest server standing in for the gateway API

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/planning"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"from=Dover", "crew=3", "night=true", "via=[\"Ramsgate\"]", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"from":  "Dover",
		"crew":  float64(3),
		"night": true,
		"via":   []any{"Ramsgate"},
		"note":  "a=b",
	}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	for _, bad := range []string{"noequals", "=value"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warn").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("info").String())
	assert.Equal(t, "INFO", parseLevel("loud").String())
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.With("component", "supervisor").WithGroup("agent").Info("agent running", "id", "weather")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF agent running")
	assert.Contains(t, out, "component=supervisor")
	assert.Contains(t, out, "agent.id=weather")
	assert.NotContains(t, out, "hidden")
}

func newTestClient(t *testing.T, h http.Handler) *gatewayClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &gatewayClient{baseURL: srv.URL, http: srv.Client()}
}

func TestGatewayClient_DecodesErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"planning session not found"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no agents running\n"))
		}
	}))

	_, err := c.do(t.Context(), http.MethodGet, "/json", nil, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "planning session not found", apiErr.Message)

	_, err = c.do(t.Context(), http.MethodGet, "/text", nil, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no agents running", apiErr.Message)
}

func TestRunAgentAction(t *testing.T) {
	color.NoColor = true
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/api/agents/weather/start":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"action": "start",
				"agent":  agent.RuntimeState{ID: "weather", Status: agent.StatusStarting},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"action": "start",
				"agent":  agent.RuntimeState{ID: "wind", Status: agent.StatusCrashed},
				"error":  "exec: not found",
			})
		}
	}))

	var out bytes.Buffer
	require.NoError(t, runAgentAction(t.Context(), c, &out, "start", "weather"))
	assert.Contains(t, out.String(), "weather: starting")

	err := runAgentAction(t.Context(), c, &out, "start", "wind")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec: not found")
}

func TestWaitForSession(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/passages/req-1", r.URL.Path)
		n := polls.Add(1)
		snap := planning.Snapshot{RequestID: "req-1", Status: planning.StatusFanningOut, Progress: 33, Revision: 3}
		if n >= 3 {
			snap.Status = planning.StatusCompleted
			snap.Progress = 100
			snap.Revision = 8
			snap.PassagePlan = &planning.PassagePlan{
				RequestID: "req-1",
				Results:   map[string]json.RawMessage{"route": json.RawMessage(`{"distance":42.5}`)},
				Failed:    map[string]string{"wind": "agent not running (stopped)"},
			}
		}
		_ = json.NewEncoder(w).Encode(snap)
	}))

	var revisions []uint64
	snap, err := waitForSession(t.Context(), c, "req-1", func(s planning.Snapshot) {
		revisions = append(revisions, s.Revision)
	})
	require.NoError(t, err)
	assert.Equal(t, planning.StatusCompleted, snap.Status)
	assert.Equal(t, []uint64{3, 8}, revisions)
	assert.EqualValues(t, 3, polls.Load())

	color.NoColor = true
	var out bytes.Buffer
	require.NoError(t, printSnapshot(&out, snap))
	assert.Contains(t, out.String(), "completed (100%)")
	assert.Contains(t, out.String(), `"distance": 42.5`)
	assert.Contains(t, out.String(), "wind (skipped)")
}

func TestPrintAgents(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	printAgents(&out, []agent.RuntimeState{
		{ID: "route", Name: "Route Agent", Status: agent.StatusRunning, PID: 4242, RestartCount: 1, MaxRestarts: 3, Verdict: agent.VerdictHealthy},
		{ID: "wind", Name: "wind", Status: agent.StatusStopped, MaxRestarts: 3},
	})
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[1]), "4242")
	assert.Contains(t, string(lines[1]), "1/3")
	assert.Contains(t, string(lines[1]), "healthy")
	assert.Contains(t, string(lines[2]), "stopped")

	out.Reset()
	printAgents(&out, nil)
	assert.Equal(t, "No agents configured.\n", out.String())
}
