// Package broadcast makes supervisor and planning state observable to remote
// clients.
//
// # Push
//
// Broadcaster is an in-memory topic pub/sub. Producers publish on
// "agent/<id>" and "session/<requestId>" topics; a subscription to the
// "agent/*" wildcard receives every agent topic. Each topic carries its own
// sequence number, assigned at publish time, and events on one topic reach
// every subscriber in sequence order. Sends never block: a subscriber whose
// buffer is full misses the event and sees a gap in Seq, which is its cue to
// poll.
//
// # Poll
//
// Sync answers snapshot queries by reading the supervisor and the planning
// coordinator directly. It holds no state of its own, so a poll can never
// disagree with the registry the push events were generated from.
package broadcast
