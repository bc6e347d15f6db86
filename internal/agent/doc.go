// Package agent defines supervised agent processes and their state.
//
// # Overview
//
// An agent is an independently running worker process responsible for one
// slice of a passage plan (weather, tides, routing, safety, port lookup).
// This package owns the pieces that do not depend on supervision policy:
//
//   - Descriptor: immutable launch and supervision configuration
//   - RuntimeState: the supervisor's view of one agent (copied on read)
//   - Handle: exactly one OS process lifetime
//
// # Handle
//
// A Handle is created per spawn and never reused:
//
//	h := agent.NewHandle(desc, logger)
//	h.OnExit(func(r agent.ExitReason) { ... })
//	if err := h.Start(); err != nil {
//	    // *agent.SpawnError: the binary could not be executed
//	}
//	...
//	h.Stop(5 * time.Second) // SIGTERM, then SIGKILL after the grace period
//
// The child runs in its own process group on unix so the whole tree is
// signalled. The process is always reaped by an internal goroutine, so the
// OS handle is released even if nobody calls Stop after a crash.
//
// # Exit Reasons
//
// The exit handler fires exactly once per process lifetime. Exits that
// follow Stop or Kill are Expected; anything else carries a *CrashError.
// The supervisor uses that distinction to decide whether restart budget is
// consumed.
package agent
