// Package store persists the agent lifecycle audit log in SQLite.
//
// # Overview
//
// Every supervisor transition (spawned, running, crashed, restarting,
// exhausted, stopped, spawn_failed) is appended to the agent_events table so
// an operator can reconstruct why an agent ended up where it is. Planning
// sessions are deliberately not stored; they live only in memory for their
// retention window.
//
// # Storage
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) with WAL journaling.
// The schema is created on open. Parent directories of the database path are
// created when missing.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/passage/gateway.db")
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	err = s.AppendAgentEvent(ctx, &store.AgentEvent{
//		AgentID: "weather",
//		Kind:    store.AgentEventCrashed,
//		Status:  "crashed",
//	})
//
//	history, err := s.ListAgentEvents(ctx, store.AgentEventFilter{AgentID: "weather", Limit: 50})
package store
