// Package planning runs multi-agent planning sessions.
//
// # Overview
//
// A Coordinator accepts a planning request, picks the agents configured for
// its plan type, and fans one work item out to every agent the supervisor
// reports as running. Each agent contributes an "active" and then a terminal
// ("completed" or "error") activity event. Progress is the share of
// dispatched agents with a terminal event and never moves backwards.
//
// # Session lifecycle
//
//	pending -> initializing -> fanning-out -> aggregating -> completed
//	                                                      -> error
//	any non-terminal state -> cancelled
//
// A session completes when every mandatory agent of its plan type completed;
// optional agents may fail without failing the session. Exceeding the session
// timeout fails it with a PlanningTimeoutError. Cancellation is cooperative:
// the coordinator stops waiting and drops any late result, but the agent
// itself may keep working.
//
// # Events
//
// Every mutation publishes on the session topic while the session lock is
// held, so subscribers observe events in generation order and a Snapshot
// taken after an event was observed is never older than that event. Each
// payload carries the session revision so clients can drop duplicates.
//
// Terminal sessions are evicted by the janitor after the retention window.
package planning
