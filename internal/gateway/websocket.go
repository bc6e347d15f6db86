// ABOUTME: WebSocket push channel: relays agent and session events and accepts control messages
// ABOUTME: One reader and one writer goroutine per connection; control errors reply with type "error"

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/passage-gateway/internal/broadcast"
	"github.com/2389/passage-gateway/internal/events"
)

// Reply types sent only to the requesting connection.
const (
	msgError            = "error"
	msgPassageSubmitted = "passage_submitted"
	msgPassageSnapshot  = "passage_snapshot"
)

// Control message types accepted from clients.
const (
	ctlAgentStart       = "agent:start"
	ctlAgentStop        = "agent:stop"
	ctlAgentRestart     = "agent:restart"
	ctlAgentsStatus     = "agents:status"
	ctlCancelPassage    = "cancel_passage"
	ctlPlanPassage      = "plan_passage"
	ctlSubscribePassage = "subscribe_passage"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReplyBuffer  = 16
)

// ControlMessage is a client-to-server WebSocket message.
type ControlMessage struct {
	Type           string         `json:"type"`
	Name           string         `json:"name,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	PlanType       string         `json:"planType,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// ReplyMessage is a server-to-client message that answers one control
// message. Broadcast events are sent as events.Event.
type ReplyMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// ErrorReply is the data of an "error" reply.
type ErrorReply struct {
	Request string `json:"request"`
	Error   string `json:"error"`
}

// wsClient is one WebSocket connection. Agent events and session events
// arrive on separate subscriptions so a burst of health ticks cannot crowd
// a session's terminal event out of a full buffer.
type wsClient struct {
	gw       *Gateway
	conn     *websocket.Conn
	agents   *broadcast.Subscription
	sessions *broadcast.Subscription
	replies  chan ReplyMessage
	logger  *slog.Logger
	actions sync.WaitGroup
}

// handleWebSocket handles GET /ws. Every connection receives all agent
// events; session events are added by plan_passage and subscribe_passage.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	agents := g.broadcaster.Subscribe(ctx, events.AllAgents)
	c := &wsClient{
		gw:       g,
		conn:     conn,
		agents:   agents,
		sessions: g.broadcaster.Subscribe(ctx),
		replies:  make(chan ReplyMessage, wsReplyBuffer),
		logger:   g.logger.With("ws_sub", agents.ID),
	}
	c.logger.Debug("websocket connected", "remote", r.RemoteAddr)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(ctx, cancel)
	}()
	c.writeLoop(ctx)

	cancel()
	<-readDone
	c.actions.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.logger.Debug("websocket disconnected")
}

// writeLoop is the only writer on the connection.
func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case <-c.gw.done:
			return
		case ev, ok := <-c.sessions.C:
			if !ok {
				return
			}
			msg = ev
		case ev, ok := <-c.agents.C:
			if !ok {
				return
			}
			msg = ev
		case reply := <-c.replies:
			msg = reply
		}

		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(wctx, c.conn, msg)
		cancel()
		if err != nil {
			c.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// readLoop decodes control messages until the connection fails.
func (c *wsClient) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError(ctx, "", "invalid JSON message")
			continue
		}
		c.handleControl(ctx, msg)
	}
}

// reply queues a message for the writer.
func (c *wsClient) reply(ctx context.Context, typ string, data any) {
	select {
	case c.replies <- ReplyMessage{Type: typ, Time: time.Now(), Data: data}:
	case <-ctx.Done():
	}
}

func (c *wsClient) replyError(ctx context.Context, request, message string) {
	c.reply(ctx, msgError, ErrorReply{Request: request, Error: message})
}

// handleControl dispatches one control message.
func (c *wsClient) handleControl(ctx context.Context, msg ControlMessage) {
	switch msg.Type {
	case ctlAgentStart, ctlAgentStop, ctlAgentRestart:
		c.agentAction(ctx, msg)

	case ctlAgentsStatus:
		c.reply(ctx, string(events.AgentsStatus), map[string]any{"statusMap": c.gw.sync.StatusMap()})

	case ctlCancelPassage:
		snap, err := c.gw.planner.Cancel(msg.RequestID)
		if err != nil {
			c.replyError(ctx, msg.Type, err.Error())
			return
		}
		c.reply(ctx, msgPassageSnapshot, snap)

	case ctlPlanPassage:
		id, _, err := c.gw.submitPassage(SubmitPassageRequest{
			PlanType:       msg.PlanType,
			Params:         msg.Params,
			IdempotencyKey: msg.IdempotencyKey,
		})
		if err != nil {
			c.replyError(ctx, msg.Type, err.Error())
			return
		}
		c.reply(ctx, msgPassageSubmitted, SubmitPassageResponse{RequestID: id})
		c.watchSession(ctx, msg.Type, id)

	case ctlSubscribePassage:
		c.watchSession(ctx, msg.Type, msg.RequestID)

	default:
		c.replyError(ctx, msg.Type, "unknown message type")
	}
}

// watchSession adds a session topic to this connection and sends the
// current snapshot, so events published before the watch are not lost.
func (c *wsClient) watchSession(ctx context.Context, request, requestID string) {
	if _, err := c.gw.sync.Session(requestID); err != nil {
		c.replyError(ctx, request, err.Error())
		return
	}
	if err := c.gw.broadcaster.Watch(c.sessions.ID, events.SessionTopic(requestID)); err != nil {
		c.replyError(ctx, request, err.Error())
		return
	}
	snap, err := c.gw.sync.Session(requestID)
	if err != nil {
		c.replyError(ctx, request, err.Error())
		return
	}
	c.reply(ctx, msgPassageSnapshot, snap)
}

// agentAction runs start/stop/restart off the read loop; a stop can take
// the whole grace period.
func (c *wsClient) agentAction(ctx context.Context, msg ControlMessage) {
	id, ok := c.gw.resolveAgent(msg.Name)
	if !ok {
		c.replyError(ctx, msg.Type, "agent not found: "+msg.Name)
		return
	}
	action := strings.TrimPrefix(msg.Type, "agent:")

	c.actions.Add(1)
	go func() {
		defer c.actions.Done()
		if _, err := c.gw.controlAgent(action, id); err != nil {
			c.logger.Warn("agent action failed", "agent_id", id, "action", action, "error", err)
			c.replyError(ctx, msg.Type, err.Error())
		}
	}()
}

// resolveAgent accepts an agent id or display name.
func (g *Gateway) resolveAgent(name string) (string, bool) {
	if _, ok := g.supervisor.Descriptor(name); ok {
		return name, true
	}
	for _, st := range g.sync.Agents() {
		if st.Name == name {
			return st.ID, true
		}
	}
	return "", false
}
