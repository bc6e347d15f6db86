// ABOUTME: Tests for the WebSocket push channel and its control messages
// ABOUTME: Dials the gateway with a coder/websocket client and reads typed JSON frames

package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/events"
	"github.com/2389/passage-gateway/internal/planning"
)

type wireMessage struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (tg *testGateway) dial(t *testing.T) *wsTestClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(t.Context(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) send(msg ControlMessage) {
	c.t.Helper()
	require.NoError(c.t, wsjson.Write(c.t.Context(), c.conn, msg))
}

// sendRaw writes a text frame without JSON encoding.
func (c *wsTestClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Write(c.t.Context(), websocket.MessageText, []byte(data)))
}

// readUntil returns the first message of type typ, skipping others.
func (c *wsTestClient) readUntil(typ string, match ...func(wireMessage) bool) wireMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.t.Context(), 5*time.Second)
	defer cancel()
	for {
		var msg wireMessage
		require.NoError(c.t, wsjson.Read(ctx, c.conn, &msg), "waiting for %s", typ)
		if msg.Type != typ {
			continue
		}
		if len(match) > 0 && !match[0](msg) {
			continue
		}
		return msg
	}
}

func TestWebSocket_AgentsStatus(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	c.send(ControlMessage{Type: "agents:status"})
	msg := c.readUntil("agents:status")

	var data struct {
		StatusMap map[string]agent.RuntimeState `json:"statusMap"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Len(t, data.StatusMap, 3)
	assert.Equal(t, agent.StatusStopped, data.StatusMap["weather"].Status)
}

func TestWebSocket_AgentControlPushesEvents(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	// Accept by display name as well as id.
	c.send(ControlMessage{Type: "agent:start", Name: "Route Agent"})
	started := c.readUntil("agent:started")
	assert.Contains(t, string(started.Data), `"id":"route"`)
	assert.Greater(t, started.Seq, uint64(0))

	c.send(ControlMessage{Type: "agent:stop", Name: "route"})
	stopped := c.readUntil("agent:stopped")
	assert.Contains(t, string(stopped.Data), `"status":"stopped"`)
	assert.Greater(t, stopped.Seq, started.Seq)
}

func TestWebSocket_HealthEventsCarryPayload(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	c.send(ControlMessage{Type: "agent:start", Name: "weather"})
	msg := c.readUntil("agent:health")

	var data struct {
		ID     string `json:"id"`
		Health struct {
			Status          string `json:"status"`
			RequestsHandled int64  `json:"requestsHandled"`
		} `json:"health"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "weather", data.ID)
	assert.Equal(t, "healthy", data.Health.Status)
	assert.EqualValues(t, 10, data.Health.RequestsHandled)
}

func TestWebSocket_PlanPassage(t *testing.T) {
	tg := newTestGateway(t)
	tg.startAll(t)
	c := tg.dial(t)

	c.send(ControlMessage{Type: "plan_passage", PlanType: "passage", Params: map[string]any{"from": "Dover"}})
	submitted := c.readUntil("passage_submitted")
	var sub SubmitPassageResponse
	require.NoError(t, json.Unmarshal(submitted.Data, &sub))
	require.NotEmpty(t, sub.RequestID)

	done := c.readUntil("passage_completed")
	var payload planning.CompletedPayload
	require.NoError(t, json.Unmarshal(done.Data, &payload))
	assert.Equal(t, sub.RequestID, payload.RequestID)
	require.NotNil(t, payload.PassagePlan)
	assert.Len(t, payload.PassagePlan.Results, 3)

	snap, err := tg.planner.Snapshot(sub.RequestID)
	require.NoError(t, err)
	assert.Equal(t, snap.Revision, payload.Revision)
}

func TestWebSocket_SubscribeAndCancelPassage(t *testing.T) {
	tg := newTestGatewayWith(t, newFakeDispatcher(true))
	tg.startAll(t)

	id, _, err := tg.planner.Submit(planning.Request{PlanType: "passage"})
	require.NoError(t, err)

	c := tg.dial(t)
	c.send(ControlMessage{Type: "subscribe_passage", RequestID: id})
	snapMsg := c.readUntil("passage_snapshot")
	var snap planning.Snapshot
	require.NoError(t, json.Unmarshal(snapMsg.Data, &snap))
	assert.Equal(t, id, snap.RequestID)
	assert.False(t, snap.Status.IsTerminal())

	c.send(ControlMessage{Type: "cancel_passage", RequestID: id})
	progress := c.readUntil("passage_progress", func(m wireMessage) bool {
		return strings.Contains(string(m.Data), `"status":"cancelled"`)
	})
	assert.Contains(t, string(progress.Data), id)

	c.send(ControlMessage{Type: "cancel_passage", RequestID: id})
	errMsg := c.readUntil("error")
	assert.Contains(t, string(errMsg.Data), "already finished")
}

func TestWebSocket_SessionEventsSurviveAgentEventBurst(t *testing.T) {
	tg := newTestGatewayWith(t, newFakeDispatcher(true))
	tg.startAll(t)

	id, _, err := tg.planner.Submit(planning.Request{PlanType: "passage"})
	require.NoError(t, err)

	c := tg.dial(t)
	c.send(ControlMessage{Type: "subscribe_passage", RequestID: id})
	c.readUntil("passage_snapshot")

	// Nothing reads the socket while agent events pile up, so the
	// connection's agent buffer overflows.
	pad := strings.Repeat("x", 8<<10)
	for range 4000 {
		tg.broadcaster.Publish(events.AgentTopic("route"), events.AgentHealth, map[string]string{"pad": pad})
	}
	require.Positive(t, tg.broadcaster.Dropped())

	tg.disp.release()
	done := c.readUntil("passage_completed")
	var payload planning.CompletedPayload
	require.NoError(t, json.Unmarshal(done.Data, &payload))
	assert.Equal(t, id, payload.RequestID)
}

func TestWebSocket_ControlErrors(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	tests := []struct {
		name    string
		send    func()
		wantErr string
	}{
		{"unknown type", func() { c.send(ControlMessage{Type: "hoist_sails"}) }, "unknown message type"},
		{"invalid json", func() { c.sendRaw("{not json") }, "invalid JSON message"},
		{"unknown agent", func() { c.send(ControlMessage{Type: "agent:start", Name: "kraken"}) }, "agent not found"},
		{"unknown plan", func() { c.send(ControlMessage{Type: "plan_passage", PlanType: "nope"}) }, "unknown plan type"},
		{"unknown session", func() { c.send(ControlMessage{Type: "subscribe_passage", RequestID: "nope"}) }, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			msg := c.readUntil("error")
			var reply ErrorReply
			require.NoError(t, json.Unmarshal(msg.Data, &reply))
			assert.Contains(t, reply.Error, tt.wantErr)
		})
	}
}
