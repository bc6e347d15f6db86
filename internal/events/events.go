// ABOUTME: Event types, topic helpers and the Publisher contract for push clients
// ABOUTME: Shared leaf package so producers never import the broadcaster directly

package events

import (
	"strings"
	"time"
)

// Type names a push-channel event.
type Type string

const (
	AgentStarted Type = "agent:started"
	AgentStopped Type = "agent:stopped"
	AgentCrashed Type = "agent:crashed"
	AgentStatus  Type = "agent:status"
	AgentHealth  Type = "agent:health"
	AgentsStatus Type = "agents:status"

	PassageProgress  Type = "passage_progress"
	PassageCompleted Type = "passage_completed"
	PassageError     Type = "passage_error"
)

const (
	agentPrefix   = "agent/"
	sessionPrefix = "session/"

	// AllAgents is the wildcard topic matching every agent topic.
	AllAgents = "agent/*"
)

// Event is one published state transition.
type Event struct {
	Type  Type      `json:"type"`
	Topic string    `json:"-"`
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// Publisher accepts events for fan-out. Implementations must not block on
// slow subscribers.
type Publisher interface {
	Publish(topic string, typ Type, data any)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Type, any) {}

// AgentTopic returns the topic for one agent.
func AgentTopic(agentID string) string {
	return agentPrefix + agentID
}

// SessionTopic returns the topic for one planning session.
func SessionTopic(requestID string) string {
	return sessionPrefix + requestID
}

// IsAgentTopic reports whether topic belongs to a single agent.
func IsAgentTopic(topic string) bool {
	return strings.HasPrefix(topic, agentPrefix) && topic != AllAgents
}

// IsTerminal reports whether the event type ends a session's event stream.
func (t Type) IsTerminal() bool {
	return t == PassageCompleted || t == PassageError
}
