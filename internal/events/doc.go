// Package events defines the typed event contract shared by the supervisor,
// the planning coordinator and the broadcaster.
//
// # Overview
//
// Every observable state transition is published as an Event on a topic.
// Topics are scoped to one entity so ordering can be guaranteed per entity:
//
//	agent/<agent-id>      supervisor transitions and health updates
//	session/<request-id>  planning progress and terminal outcomes
//
// Subscribers may also use the wildcard topic AllAgents ("agent/*") to
// receive events for every agent.
//
// # Event Types
//
// Agent events:
//
//   - agent:started, agent:stopped, agent:crashed
//   - agent:status (every status change, including exhausted)
//   - agent:health (health monitor payload)
//   - agents:status (full snapshot, sent on demand)
//
// Session events:
//
//   - passage_progress (progress tick, optionally carrying an agent update)
//   - passage_completed (terminal success)
//   - passage_error (terminal failure)
//
// # Delivery Guarantees
//
// Within one topic, events are delivered in generation order and carry a
// strictly increasing Seq. Delivery is at-most-once per subscriber; clients
// recover missed state through the snapshot endpoints.
package events
