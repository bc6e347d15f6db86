// Package supervisor owns the registry of agents and their restart policy.
//
// # Overview
//
// The Supervisor is the single authority over every AgentRuntimeState. All
// mutation happens through its methods; the health monitor and process exit
// notifications only propose changes, which the supervisor applies after
// checking they still belong to the current process generation.
//
// # State Machine
//
//	stopped -> starting -> running -> stopping -> stopped
//	                          |
//	                          v
//	                       crashed -> (restartDelay) -> starting
//	                          |
//	                          v
//	                      exhausted (manual Start required)
//
// starting -> running happens on the first answered, non-unhealthy probe,
// not on spawn success. A crash is an unexpected exit or an unhealthy verdict.
//
// # Restart Budget
//
// restartCount counts automatic restarts since the last manual Start. A crash
// with restartCount < maxRestarts schedules a restart after restartDelay and
// increments the count; at maxRestarts the agent becomes exhausted and stays
// there until an operator calls Start, which resets the count to 0. Spawn
// failures never consume budget and are not retried automatically.
//
// # Serialization
//
// Each agent has its own operation lock, so transitions for one agent are
// strictly ordered (and so are the events they publish) while different
// agents never contend.
package supervisor
